package dcp

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/couchbase/dcpcore/logging"
	"github.com/couchbase/dcpcore/stats"
)

// checkpointProcessorTask drains ready vbucket cursors into active
// streams. Each vbucket appears at most once in the work queue, so a
// fast vbucket firing frequent seqno-available notifications cannot
// livelock the producer; the iteration budget shares CPU fairly.
type checkpointProcessorTask struct {
	producer *Producer

	workQueueLock  sync.Mutex
	queue          []*ActiveStream
	queuedVbuckets map[uint16]bool

	notified              stats.BoolVal
	wakeupCh              chan bool
	finch                 chan bool
	closeOnce             sync.Once
	iterationsBeforeYield int
	logPrefix             string
}

func newCheckpointProcessorTask(producer *Producer) *checkpointProcessorTask {
	t := &checkpointProcessorTask{
		producer:       producer,
		queuedVbuckets: make(map[uint16]bool),
		wakeupCh:       make(chan bool, 1),
		finch:          make(chan bool),
		logPrefix:      fmt.Sprintf("CKPT[%v]", producer.Name()),
	}
	t.iterationsBeforeYield =
		producer.config["dcp.producerSnapshotMarkerYieldLimit"].Int()
	t.notified.Init()
	go t.run()
	return t
}

// schedule inserts the stream unless its vbucket is already queued.
func (t *checkpointProcessorTask) schedule(s *ActiveStream) {
	t.pushUnique(s)
	t.wakeup()
}

func (t *checkpointProcessorTask) pushUnique(s *ActiveStream) {
	t.workQueueLock.Lock()
	defer t.workQueueLock.Unlock()
	if !t.queuedVbuckets[s.VBucket()] {
		t.queue = append(t.queue, s)
		t.queuedVbuckets[s.VBucket()] = true
	}
}

func (t *checkpointProcessorTask) queuePop() *ActiveStream {
	t.workQueueLock.Lock()
	defer t.workQueueLock.Unlock()
	if len(t.queue) == 0 {
		return nil
	}
	s := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	delete(t.queuedVbuckets, s.VBucket())
	return s
}

func (t *checkpointProcessorTask) queueEmpty() bool {
	t.workQueueLock.Lock()
	defer t.workQueueLock.Unlock()
	return len(t.queue) == 0
}

func (t *checkpointProcessorTask) queueSize() int {
	t.workQueueLock.Lock()
	defer t.workQueueLock.Unlock()
	return len(t.queue)
}

func (t *checkpointProcessorTask) wakeup() {
	if t.notified.CAS(false, true) {
		select {
		case t.wakeupCh <- true:
		default:
		}
	}
}

// clearQueues empties the work queue during connection teardown.
func (t *checkpointProcessorTask) clearQueues() {
	t.workQueueLock.Lock()
	defer t.workQueueLock.Unlock()
	t.queue = nil
	t.queuedVbuckets = make(map[uint16]bool)
}

func (t *checkpointProcessorTask) cancel() {
	t.closeOnce.Do(func() {
		close(t.finch)
	})
}

func (t *checkpointProcessorTask) run() {
	defer func() { // panic safe
		if r := recover(); r != nil {
			logging.Errorf("%v crashed: %v\n", t.logPrefix, r)
			logging.Errorf("%s", logging.StackTrace())
		}
		logging.Infof("%v ... stopped\n", t.logPrefix)
	}()

	for {
		select {
		case <-t.wakeupCh:
		case <-t.finch:
			return
		}
		t.notified.Set(false)

		for {
			iterations := 0
			for iterations < t.iterationsBeforeYield {
				s := t.queuePop()
				if s == nil {
					break
				}
				s.nextCheckpointItemTask()
				iterations++
			}
			if t.queueEmpty() {
				break
			}
			// budget spent with a backlog remaining: yield to the
			// scheduler, then run again immediately
			select {
			case <-t.finch:
				return
			default:
			}
			runtime.Gosched()
		}
	}
}
