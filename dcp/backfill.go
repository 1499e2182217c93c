package dcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/dcpcore/logging"
	"golang.org/x/sync/semaphore"
)

// backfillTask is one pending or running disk scan.
type backfillTask struct {
	stream *ActiveStream
	start  uint64
	end    uint64
}

// BackfillManager owns a producer's disk scans. Admission to the
// global active/snoozing set is controlled by the connection map; the
// scans actually running at once are bounded by a weighted semaphore
// so a burst of admitted backfills cannot monopolise the disk.
type BackfillManager struct {
	producer *Producer
	connMap  *DcpConnMap
	store    BackfillStore
	sem      *semaphore.Weighted

	mu      sync.Mutex
	pending []*backfillTask

	finch     chan bool
	closeOnce sync.Once
	logPrefix string
}

func newBackfillManager(producer *Producer, connMap *DcpConnMap,
	store BackfillStore) *BackfillManager {

	concurrency := producer.config["dcp.backfillScanConcurrency"].Int()
	if concurrency < 1 {
		concurrency = 1
	}
	return &BackfillManager{
		producer:  producer,
		connMap:   connMap,
		store:     store,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		finch:     make(chan bool),
		logPrefix: fmt.Sprintf("BKFL[%v]", producer.Name()),
	}
}

func (m *BackfillManager) estimate(vb uint16, start, end uint64) (uint64, error) {
	if m.store == nil {
		return 0, nil
	}
	return m.store.NumItems(vb, start, end)
}

// schedule admits the scan against the global cap or parks it until
// capacity frees up.
func (m *BackfillManager) schedule(s *ActiveStream, start, end uint64) {
	task := &backfillTask{stream: s, start: start, end: end}
	if m.store == nil {
		// no disk store wired: nothing to scan. Completion runs off
		// this goroutine, the caller holds the stream mutex.
		go s.CompleteBackfill()
		return
	}
	if m.connMap.CanAddBackfillToActiveQ() {
		go m.run(task)
		return
	}
	m.mu.Lock()
	m.pending = append(m.pending, task)
	m.mu.Unlock()
	logging.Debugf("%v backfill for vb %v parked awaiting admission",
		m.logPrefix, s.VBucket())
}

// Wakeup retries admission for parked scans. Invoked via the
// connection map whenever backfill capacity may have freed up.
func (m *BackfillManager) Wakeup() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		task := m.pending[0]
		m.mu.Unlock()

		if !task.stream.IsActive() {
			// stream died while parked, drop the task
			m.dropHead(task)
			task.stream.CompleteBackfill()
			continue
		}
		if !m.connMap.CanAddBackfillToActiveQ() {
			return
		}
		m.dropHead(task)
		go m.run(task)
	}
}

func (m *BackfillManager) dropHead(task *backfillTask) {
	m.mu.Lock()
	if len(m.pending) > 0 && m.pending[0] == task {
		m.pending = m.pending[1:]
	}
	m.mu.Unlock()
}

// run executes one admitted scan to completion, pausing whenever the
// stream's buffered backfill bound fills up.
func (m *BackfillManager) run(task *backfillTask) {
	defer func() { // panic safe
		if r := recover(); r != nil {
			logging.Errorf("%v crashed: %v\n", m.logPrefix, r)
			logging.Errorf("%s", logging.StackTrace())
		}
		m.connMap.DecrNumActiveSnoozingBackfills()
		m.connMap.NotifyBackfillManagerTasks()
	}()

	s := task.stream
	if err := m.sem.Acquire(context.Background(), 1); err != nil {
		s.CompleteBackfill()
		return
	}
	defer m.sem.Release(1)

	start := task.start
	for {
		err := m.store.Scan(s.VBucket(), start, task.end, s)
		if err == nil {
			break
		}
		if err != ErrScanPaused {
			logging.Errorf("%v scan for vb %v failed: %v",
				m.logPrefix, s.VBucket(), err)
			break
		}
		if !s.IsActive() {
			// stream torn down mid scan
			break
		}
		// snooze until the stream drains, then resume past the last
		// delivered seqno
		select {
		case <-s.backfillDrainCh:
		case <-time.After(100 * time.Millisecond):
		case <-m.finch:
			return
		}
		start = s.lastReadSeqno.Value() + 1
		if start > task.end {
			break
		}
	}
	s.CompleteBackfill()
}

func (m *BackfillManager) close() {
	m.closeOnce.Do(func() {
		close(m.finch)
	})
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, task := range pending {
		task.stream.CompleteBackfill()
	}
}
