package dcp

import (
	"encoding/binary"
	"sync"

	"github.com/couchbase/dcpcore/stats"
	"github.com/couchbase/dcpcore/transport"
	"github.com/google/uuid"
)

// VBucket is one partition of the keyspace. The active side queues
// mutations into an in-memory checkpoint log drained by stream
// cursors; the replica side applies mutations arriving on a passive
// stream.
type VBucket struct {
	id   uint16
	uuid uint64

	state stats.Uint64Val // transport.VbState

	mu sync.Mutex
	// in-memory checkpoint log; items[0] has seqno baseSeqno
	items     []*Item
	baseSeqno uint64
	// seqnos that open a new checkpoint
	chkBoundaries map[uint64]bool
	// cursor name -> next seqno to serve
	cursors map[string]uint64
	// cursors that have not produced a batch yet
	freshCursors map[string]bool

	highSeqno      stats.Uint64Val
	persistedSeqno stats.Uint64Val
	snapStart      stats.Uint64Val
	snapEnd        stats.Uint64Val

	// number of ApplyMutation/ApplyDeletion calls to fail with
	// TMPFAIL, exercising the cannot-process path
	backpressure stats.Int64Val
}

func NewVBucket(id uint16, state transport.VbState) *VBucket {
	u := uuid.New()
	vb := &VBucket{
		id:            id,
		uuid:          binary.BigEndian.Uint64(u[:8]),
		chkBoundaries: make(map[uint64]bool),
		cursors:       make(map[string]uint64),
		freshCursors:  make(map[string]bool),
	}
	vb.state.Init()
	vb.state.Set(uint64(state))
	vb.highSeqno.Init()
	vb.persistedSeqno.Init()
	vb.snapStart.Init()
	vb.snapEnd.Init()
	vb.backpressure.Init()
	vb.baseSeqno = 1
	return vb
}

func (vb *VBucket) ID() uint16 {
	return vb.id
}

func (vb *VBucket) UUID() uint64 {
	return vb.uuid
}

func (vb *VBucket) State() transport.VbState {
	return transport.VbState(vb.state.Value())
}

func (vb *VBucket) SetVBucketState(state transport.VbState) {
	vb.state.Set(uint64(state))
}

// Queue appends a mutation to the checkpoint log on the active path,
// assigning the next seqno. Returns the assigned seqno.
func (vb *VBucket) Queue(itm *Item) uint64 {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	seqno := vb.highSeqno.Value() + 1
	itm.BySeqno = seqno
	itm.VBucket = vb.id
	if len(vb.items) == 0 {
		vb.baseSeqno = seqno
	}
	vb.items = append(vb.items, itm)
	vb.highSeqno.Set(seqno)
	return seqno
}

// CreateNewCheckpoint closes the open checkpoint; the next queued item
// starts a new one.
func (vb *VBucket) CreateNewCheckpoint() {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	vb.chkBoundaries[vb.highSeqno.Value()+1] = true
}

// TrimLog drops log items with seqno <= upTo, forcing streams that
// start below the retained window into a disk backfill.
func (vb *VBucket) TrimLog(upTo uint64) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	idx := 0
	for idx < len(vb.items) && vb.items[idx].BySeqno <= upTo {
		idx++
	}
	vb.items = vb.items[idx:]
	if len(vb.items) > 0 {
		vb.baseSeqno = vb.items[0].BySeqno
	} else {
		vb.baseSeqno = vb.highSeqno.Value() + 1
	}
}

//
// CheckpointManager implementation (producer side).
//

func (vb *VBucket) RegisterCursor(name string, startSeqno uint64) uint64 {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	pos := startSeqno + 1
	if pos < vb.baseSeqno {
		pos = vb.baseSeqno
	}
	vb.cursors[name] = pos
	vb.freshCursors[name] = true
	return pos
}

func (vb *VBucket) RemoveCursor(name string) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	delete(vb.cursors, name)
	delete(vb.freshCursors, name)
}

func (vb *VBucket) GetItemsForCursor(name string, limit int) ([]*Item, bool) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	pos, ok := vb.cursors[name]
	if !ok {
		return nil, false
	}

	var out []*Item
	mark := vb.freshCursors[name]
	for _, itm := range vb.items {
		if itm.BySeqno < pos {
			continue
		}
		if limit >= 0 && len(out) >= limit {
			break
		}
		if vb.chkBoundaries[itm.BySeqno] {
			mark = true
		}
		out = append(out, itm)
	}
	if len(out) > 0 {
		vb.cursors[name] = out[len(out)-1].BySeqno + 1
		vb.freshCursors[name] = false
	}
	return out, mark
}

func (vb *VBucket) ItemsRemaining(name string) int {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	pos, ok := vb.cursors[name]
	if !ok {
		return 0
	}
	remaining := 0
	for _, itm := range vb.items {
		if itm.BySeqno >= pos {
			remaining++
		}
	}
	return remaining
}

func (vb *VBucket) HighSeqno() uint64 {
	return vb.highSeqno.Value()
}

func (vb *VBucket) PersistedSeqno() uint64 {
	return vb.persistedSeqno.Value()
}

//
// ReplicaApplier implementation (consumer side).
//

// SetApplyBackpressure makes the next n applies fail with TMPFAIL.
func (vb *VBucket) SetApplyBackpressure(n int64) {
	vb.backpressure.Set(n)
}

func (vb *VBucket) takeBackpressure() bool {
	for {
		n := vb.backpressure.Value()
		if n <= 0 {
			return false
		}
		if vb.backpressure.CAS(n, n-1) {
			return true
		}
	}
}

func (vb *VBucket) ApplyMutation(itm *Item) transport.Status {
	if vb.takeBackpressure() {
		return transport.TMPFAIL
	}
	vb.mu.Lock()
	defer vb.mu.Unlock()
	if len(vb.items) == 0 {
		vb.baseSeqno = itm.BySeqno
	}
	vb.items = append(vb.items, itm)
	vb.highSeqno.Set(itm.BySeqno)
	return transport.SUCCESS
}

func (vb *VBucket) ApplyDeletion(itm *Item) transport.Status {
	return vb.ApplyMutation(itm)
}

func (vb *VBucket) SetSnapshotRange(start, end uint64, flags uint32) {
	vb.snapStart.Set(start)
	vb.snapEnd.Set(end)
}

// CommitDiskSnapshot persists a checkpoint boundary and marks the
// vbucket's high seqno once a disk snapshot has been fully applied.
func (vb *VBucket) CommitDiskSnapshot(end uint64) {
	vb.mu.Lock()
	vb.chkBoundaries[end+1] = true
	vb.mu.Unlock()
	vb.persistedSeqno.Set(end)
	vb.highSeqno.Set(end)
}

// Log returns the retained checkpoint log, oldest first. Used by the
// stats surface and tests.
func (vb *VBucket) Log() []*Item {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	out := make([]*Item, len(vb.items))
	copy(out, vb.items)
	return out
}

// VBucketMap is the fixed table of vbuckets hosted by this node.
type VBucketMap struct {
	vbuckets []*VBucket
}

func NewVBucketMap(n int) *VBucketMap {
	m := &VBucketMap{vbuckets: make([]*VBucket, n)}
	for i := 0; i < n; i++ {
		m.vbuckets[i] = NewVBucket(uint16(i), transport.VbDead)
	}
	return m
}

func (m *VBucketMap) VBucket(vb uint16) *VBucket {
	if int(vb) >= len(m.vbuckets) {
		return nil
	}
	return m.vbuckets[vb]
}

func (m *VBucketMap) NumVBuckets() int {
	return len(m.vbuckets)
}

func (m *VBucketMap) CheckpointManager(vb uint16) (CheckpointManager, bool) {
	v := m.VBucket(vb)
	if v == nil {
		return nil, false
	}
	return v, true
}

func (m *VBucketMap) Applier(vb uint16) (ReplicaApplier, bool) {
	v := m.VBucket(vb)
	if v == nil {
		return nil, false
	}
	return v, true
}

func (m *VBucketMap) State(vb uint16) transport.VbState {
	v := m.VBucket(vb)
	if v == nil {
		return transport.VbDead
	}
	return v.State()
}

func (m *VBucketMap) UUID(vb uint16) uint64 {
	v := m.VBucket(vb)
	if v == nil {
		return 0
	}
	return v.UUID()
}

func (m *VBucketMap) HighSeqno(vb uint16) uint64 {
	v := m.VBucket(vb)
	if v == nil {
		return 0
	}
	return v.HighSeqno()
}
