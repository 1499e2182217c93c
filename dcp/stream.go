package dcp

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/couchbase/dcpcore/stats"
	"github.com/couchbase/dcpcore/transport"
)

// StreamState values form a per-type DAG; Dead is terminal.
type StreamState int32

const (
	StreamPending StreamState = iota
	StreamBackfilling
	StreamInMemory
	StreamTakeoverSend
	StreamTakeoverWait
	StreamReading
	StreamDead
)

func (st StreamState) String() string {
	switch st {
	case StreamPending:
		return "pending"
	case StreamBackfilling:
		return "backfilling"
	case StreamInMemory:
		return "in-memory"
	case StreamTakeoverSend:
		return "takeover-send"
	case StreamTakeoverWait:
		return "takeover-wait"
	case StreamReading:
		return "reading"
	case StreamDead:
		return "dead"
	default:
		return "unknown"
	}
}

// StreamType discriminates the three stream variants.
type StreamType int

const (
	StreamTypeActive StreamType = iota
	StreamTypeNotifier
	StreamTypePassive
)

// AddStatFn receives one stat key/value pair per call.
type AddStatFn func(key, val string)

const dcpMaxSeqno = uint64(math.MaxUint64)

// Stream is the common surface of active, notifier and passive streams.
type Stream interface {
	Name() string
	Opaque() uint32
	VBucket() uint16
	VBucketUUID() uint64
	StartSeqno() uint64
	EndSeqno() uint64
	State() StreamState
	Type() StreamType
	IsActive() bool
	ReadyQueueMemory() uint64

	// Next returns the head of the ready queue, or nil when the
	// stream has nothing to deliver right now.
	Next() DcpResponse

	// SetDead ends the stream, returning the bytes freed from any
	// internal buffering. Idempotent.
	SetDead(status transport.EndStreamStatus) uint32

	NotifySeqnoAvailable(seqno uint64)

	AddStats(add AddStatFn)

	// Clear drops and frees all pending messages.
	Clear()
}

// streamBase carries identity, the seqno window, the state word and the
// ready queue shared by every stream variant. The stream mutex guards
// state transitions and ready queue mutation.
type streamBase struct {
	name           string
	flags          uint32
	opaque         uint32
	vb             uint16
	vbuuid         uint64
	startSeqno     uint64
	endSeqno       uint64
	snapStartSeqno uint64
	snapEndSeqno   uint64

	state      int32 // StreamState, atomic
	typ        StreamType
	itemsReady stats.BoolVal

	mu     sync.Mutex
	readyQ readyQueue

	logPrefix string
}

func (s *streamBase) initBase(
	typ StreamType, name string, flags, opaque uint32, vb uint16,
	startSeqno, endSeqno, vbuuid, snapStart, snapEnd uint64,
	logPrefix string) {

	s.typ = typ
	s.name = name
	s.flags = flags
	s.opaque = opaque
	s.vb = vb
	s.vbuuid = vbuuid
	s.startSeqno = startSeqno
	s.endSeqno = endSeqno
	s.snapStartSeqno = snapStart
	s.snapEndSeqno = snapEnd
	s.itemsReady.Init()
	s.logPrefix = logPrefix
	atomic.StoreInt32(&s.state, int32(StreamPending))
}

func (s *streamBase) Name() string {
	return s.name
}

func (s *streamBase) Opaque() uint32 {
	return s.opaque
}

func (s *streamBase) VBucket() uint16 {
	return s.vb
}

func (s *streamBase) VBucketUUID() uint64 {
	return s.vbuuid
}

func (s *streamBase) StartSeqno() uint64 {
	return s.startSeqno
}

func (s *streamBase) EndSeqno() uint64 {
	return s.endSeqno
}

func (s *streamBase) Type() StreamType {
	return s.typ
}

func (s *streamBase) State() StreamState {
	return StreamState(atomic.LoadInt32(&s.state))
}

func (s *streamBase) setState(to StreamState) {
	atomic.StoreInt32(&s.state, int32(to))
}

func (s *streamBase) IsActive() bool {
	return s.State() != StreamDead
}

func (s *streamBase) ReadyQueueMemory() uint64 {
	return s.readyQ.memory()
}

// Clear drops and frees all pending messages.
func (s *streamBase) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyQ.clear()
}

// pushToReadyQ must be called with the stream mutex held.
func (s *streamBase) pushToReadyQ(resp DcpResponse) {
	s.readyQ.push(resp)
}

// popFromReadyQ must be called with the stream mutex held.
func (s *streamBase) popFromReadyQ() DcpResponse {
	return s.readyQ.pop()
}

func (s *streamBase) statKey(suffix string) string {
	return fmt.Sprintf("%v:stream_%d_%v", s.name, s.vb, suffix)
}

func (s *streamBase) addBaseStats(add AddStatFn) {
	add(s.statKey("state"), s.State().String())
	add(s.statKey("opaque"), fmt.Sprint(s.opaque))
	add(s.statKey("start_seqno"), fmt.Sprint(s.startSeqno))
	add(s.statKey("end_seqno"), fmt.Sprint(s.endSeqno))
	add(s.statKey("vb_uuid"), fmt.Sprint(s.vbuuid))
	add(s.statKey("snap_start_seqno"), fmt.Sprint(s.snapStartSeqno))
	add(s.statKey("snap_end_seqno"), fmt.Sprint(s.snapEndSeqno))
	add(s.statKey("items_ready"), fmt.Sprint(s.itemsReady.Value()))
	add(s.statKey("readyq_items"), fmt.Sprint(s.readyQ.size()))
	add(s.statKey("readyq_bytes"), fmt.Sprint(s.readyQ.memory()))
}
