package dcp

import (
	"fmt"
	"time"

	"github.com/couchbase/dcpcore/logging"
	"github.com/couchbase/dcpcore/stats"
	"github.com/couchbase/dcpcore/transport"
	"github.com/golang/snappy"
)

// ActiveStream is the producer-side stream for a vbucket this node
// owns. It walks backfill -> in-memory, optionally finishing with a
// takeover handoff.
type ActiveStream struct {
	streamBase

	producer *Producer
	chkMgr   CheckpointManager

	takeover      bool
	takeoverState transport.VbState
	takeoverStart stats.Int64Val // unix nanos, 0 until takeover drain begins

	lastReadSeqno        stats.Uint64Val // last seqno queued from disk or memory
	lastSentSeqno        stats.Uint64Val // last seqno handed to the network layer
	curChkSeqno          stats.Uint64Val // last known cursor seqno
	lastSentSnapEndSeqno stats.Uint64Val

	backfillRemaining stats.Uint64Val
	backfillItems     struct {
		memory stats.Uint64Val
		disk   stats.Uint64Val
		sent   stats.Uint64Val
	}
	itemsFromMemoryPhase stats.Uint64Val

	isBackfillTaskRunning stats.BoolVal
	bufferedBackfill      struct {
		bytes stats.Uint64Val
		items stats.Uint64Val
	}
	backfillBufferBytes uint64
	backfillDrainCh     chan bool

	waitForSnapshot stats.Int64Val

	chkptItemsExtractionInProgress stats.BoolVal

	// guarded by the stream mutex
	firstMarkerSent bool

	payloadKeyOnly bool
	lastDrainTime  stats.Int64Val // unix seconds of the last ready queue pop

	cursorName string
}

func newActiveStream(
	producer *Producer, chkMgr CheckpointManager,
	name string, flags, opaque uint32, vb uint16,
	startSeqno, endSeqno, vbuuid, snapStart, snapEnd uint64) *ActiveStream {

	s := &ActiveStream{
		producer:       producer,
		chkMgr:         chkMgr,
		takeover:       flags&transport.FLAG_STREAM_TAKEOVER != 0,
		takeoverState:  transport.VbActive,
		payloadKeyOnly: producer.keyOnly,
		cursorName:     fmt.Sprintf("%v:%d", name, vb),
	}
	prefix := fmt.Sprintf("DCPP[%v ##%x vb:%d]", name, opaque, vb)
	s.initBase(StreamTypeActive, name, flags, opaque, vb,
		startSeqno, endSeqno, vbuuid, snapStart, snapEnd, prefix)

	s.takeoverStart.Init()
	s.lastReadSeqno.Init()
	s.lastReadSeqno.Set(startSeqno)
	s.lastSentSeqno.Init()
	s.lastSentSeqno.Set(startSeqno)
	s.curChkSeqno.Init()
	s.curChkSeqno.Set(startSeqno + 1)
	s.lastSentSnapEndSeqno.Init()
	s.backfillRemaining.Init()
	s.backfillItems.memory.Init()
	s.backfillItems.disk.Init()
	s.backfillItems.sent.Init()
	s.itemsFromMemoryPhase.Init()
	s.isBackfillTaskRunning.Init()
	s.bufferedBackfill.bytes.Init()
	s.bufferedBackfill.items.Init()
	s.backfillBufferBytes = producer.config["dcp.backfillBufferBytes"].Uint64()
	s.backfillDrainCh = make(chan bool, 1)
	s.waitForSnapshot.Init()
	s.chkptItemsExtractionInProgress.Init()
	s.lastDrainTime.Init()
	s.lastDrainTime.Set(time.Now().Unix())

	return s
}

// setActive moves a pending stream into the backfill phase and kicks
// off the disk scan when one is needed.
func (s *ActiveStream) setActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StreamPending {
		s.transitionState(StreamBackfilling)
	}
}

// Next dispatches on the stream state. Returns nil when no message is
// currently available; the connection marks itself paused afterwards.
func (s *ActiveStream) Next() DcpResponse {
	s.mu.Lock()

	var resp DcpResponse
	switch s.State() {
	case StreamPending:
		// not yet activated
	case StreamBackfilling:
		resp = s.backfillPhase()
	case StreamInMemory:
		resp = s.inMemoryPhase()
	case StreamTakeoverSend:
		resp = s.takeoverSendPhase()
	case StreamTakeoverWait:
		resp = s.takeoverWaitPhase()
	case StreamDead:
		resp = s.deadPhase()
	default:
		logging.Errorf("%v Next() in unexpected state %v",
			s.logPrefix, s.State())
	}

	s.itemsReady.Set(resp != nil)
	if resp != nil {
		s.recordSent(resp)
	}
	s.mu.Unlock()
	return resp
}

// recordSent is called with the stream mutex held for every message
// handed to the network layer.
func (s *ActiveStream) recordSent(resp DcpResponse) {
	s.lastDrainTime.Set(time.Now().Unix())
	if m, ok := resp.(*MutationResponse); ok {
		if m.Item.BySeqno > s.lastSentSeqno.Value() {
			s.lastSentSeqno.Set(m.Item.BySeqno)
		}
		if m.Backfilled {
			s.backfillItems.sent.Add(1)
			sz := uint64(m.Size())
			if s.bufferedBackfill.bytes.Value() >= sz {
				s.bufferedBackfill.bytes.Add(^(sz - 1))
			} else {
				s.bufferedBackfill.bytes.Set(0)
			}
			if s.bufferedBackfill.items.Value() > 0 {
				s.bufferedBackfill.items.Add(^uint64(0))
			}
			// wake a scan snoozing on a full buffer
			select {
			case s.backfillDrainCh <- true:
			default:
			}
		}
		s.producer.recordItemSent(m)
	}
}

func (s *ActiveStream) nextQueuedItem() DcpResponse {
	return s.popFromReadyQ()
}

func (s *ActiveStream) backfillPhase() DcpResponse {
	resp := s.nextQueuedItem()

	if s.isBackfillTaskRunning.Value() || !s.readyQ.empty() || resp != nil {
		return resp
	}

	// backfill complete and fully drained
	s.backfillRemaining.Set(0)
	if s.endSeqno != dcpMaxSeqno && s.lastReadSeqno.Value() >= s.endSeqno {
		s.endStream(transport.END_STREAM_OK)
		return s.deadPhase()
	}
	if s.takeover {
		s.transitionState(StreamTakeoverSend)
		return s.takeoverSendPhase()
	}
	s.transitionState(StreamInMemory)
	return s.inMemoryPhase()
}

func (s *ActiveStream) inMemoryPhase() DcpResponse {
	if s.endSeqno != dcpMaxSeqno && s.lastSentSeqno.Value() >= s.endSeqno {
		s.endStream(transport.END_STREAM_OK)
		return s.deadPhase()
	}
	if s.readyQ.empty() {
		s.scheduleProcessorTask()
		return nil
	}
	return s.nextQueuedItem()
}

func (s *ActiveStream) takeoverSendPhase() DcpResponse {
	if resp := s.nextQueuedItem(); resp != nil {
		return resp
	}
	if s.chkptItemsExtractionInProgress.Value() {
		return nil
	}
	if s.curChkSeqno.Value() <= s.chkMgr.HighSeqno() &&
		s.chkMgr.ItemsRemaining(s.cursorName) > 0 {
		s.scheduleProcessorTask()
		return nil
	}
	if s.waitForSnapshot.Value() != 0 {
		// outstanding marker acks gate the handoff
		return nil
	}

	if s.takeoverStart.Value() == 0 {
		s.takeoverStart.Set(time.Now().UnixNano())
	}
	resp := &SetVBucketStateResponse{
		Opaque:  s.opaque,
		VBucket: s.vb,
		State:   s.takeoverState,
	}
	s.transitionState(StreamTakeoverWait)
	return resp
}

func (s *ActiveStream) takeoverWaitPhase() DcpResponse {
	return s.nextQueuedItem()
}

func (s *ActiveStream) deadPhase() DcpResponse {
	return s.nextQueuedItem()
}

// NotifySeqnoAvailable is the no-lost-wakeup hook: a mutation queued
// before this call is guaranteed to be surfaced by a later Next().
func (s *ActiveStream) NotifySeqnoAvailable(seqno uint64) {
	s.mu.Lock()
	st := s.State()
	schedule := false
	switch st {
	case StreamInMemory, StreamTakeoverSend:
		if s.readyQ.empty() && !s.chkptItemsExtractionInProgress.Value() {
			schedule = true
		}
	}
	s.mu.Unlock()

	if st == StreamDead {
		return
	}
	if schedule {
		s.producer.scheduleCheckpointProcessor(s)
	} else {
		s.producer.notifyStreamReady(s.vb)
	}
}

// scheduleProcessorTask must be called with the stream mutex held.
func (s *ActiveStream) scheduleProcessorTask() {
	s.producer.scheduleCheckpointProcessor(s)
}

// SetDead transitions to Dead, queues a stream-end response carrying
// the reason and drops outstanding backfill budget. Idempotent;
// concurrent calls collapse into one transition and one message.
func (s *ActiveStream) SetDead(status transport.EndStreamStatus) uint32 {
	s.mu.Lock()
	s.endStream(status)
	s.mu.Unlock()

	if status != transport.END_STREAM_DISCONNECTED {
		s.producer.notifyStreamReady(s.vb)
	}
	return 0
}

// endStream must be called with the stream mutex held.
func (s *ActiveStream) endStream(reason transport.EndStreamStatus) {
	if !s.IsActive() {
		return
	}
	if reason != transport.END_STREAM_OK {
		// teardown: undelivered items are dropped so the end
		// message is the next thing the peer sees
		s.readyQ.clear()
	}
	s.backfillRemaining.Set(0)
	if reason != transport.END_STREAM_DISCONNECTED {
		s.pushToReadyQ(&StreamEndResponse{
			Opaque:  s.opaque,
			VBucket: s.vb,
			Status:  reason,
		})
		s.itemsReady.Set(true)
	}
	s.transitionState(StreamDead)
	fmsg := "%v stream closing, sent until seqno %v remaining items %v, reason: %v"
	logging.Infof(fmsg, s.logPrefix, s.lastSentSeqno.Value(),
		s.readyQ.size(), reason)
}

// snapshotMarkerAckReceived accounts one acknowledged marker during
// takeover.
func (s *ActiveStream) snapshotMarkerAckReceived() {
	s.mu.Lock()
	notify := false
	if s.waitForSnapshot.Value() > 0 {
		s.waitForSnapshot.Add(-1)
		notify = s.waitForSnapshot.Value() == 0
	}
	s.mu.Unlock()
	if notify {
		s.producer.notifyStreamReady(s.vb)
	}
}

// setVBucketStateAckReceived finishes the takeover handoff.
func (s *ActiveStream) setVBucketStateAckReceived() {
	s.mu.Lock()
	if s.State() == StreamTakeoverWait {
		took := time.Duration(0)
		if start := s.takeoverStart.Value(); start != 0 {
			took = time.Since(time.Unix(0, start))
		}
		logging.Infof("%v takeover completed in %v", s.logPrefix, took)
		s.endStream(transport.END_STREAM_OK)
	} else {
		fmsg := "%v unexpected set-vbucket-state ack in state %v"
		logging.Warnf(fmsg, s.logPrefix, s.State())
	}
	s.mu.Unlock()
	s.producer.notifyStreamReady(s.vb)
}

//
// Backfill task callbacks. The backfill task runs on its own goroutine
// and drives these against the stream.
//

// MarkDiskSnapshot queues the marker announcing the range a disk scan
// is about to deliver.
func (s *ActiveStream) MarkDiskSnapshot(startSeqno, endSeqno uint64) {
	s.mu.Lock()
	if s.State() != StreamBackfilling {
		s.mu.Unlock()
		return
	}
	if !s.firstMarkerSent {
		if s.snapStartSeqno < startSeqno {
			startSeqno = s.snapStartSeqno
		}
		s.firstMarkerSent = true
	}
	s.pushToReadyQ(&SnapshotMarker{
		Opaque:     s.opaque,
		VBucket:    s.vb,
		StartSeqno: startSeqno,
		EndSeqno:   endSeqno,
		Flags:      transport.MARKER_FLAG_DISK,
	})
	s.lastSentSnapEndSeqno.Set(endSeqno)
	s.itemsReady.Set(true)
	s.mu.Unlock()

	logging.Debugf("%v sending disk snapshot with start %v and end %v",
		s.logPrefix, startSeqno, endSeqno)
	s.producer.notifyStreamReady(s.vb)
}

// BackfillReceived accepts one scanned item; false pauses the scan
// when the buffered backfill bound is hit or the stream died.
func (s *ActiveStream) BackfillReceived(itm *Item, source BackfillSource) bool {
	s.mu.Lock()
	if s.State() != StreamBackfilling {
		s.mu.Unlock()
		return false
	}

	resp := s.makeMutationResponse(itm, source)
	resp.Backfilled = true
	sz := uint64(resp.Size())
	if s.bufferedBackfill.bytes.Value()+sz > s.backfillBufferBytes {
		s.mu.Unlock()
		return false
	}

	s.pushToReadyQ(resp)
	s.lastReadSeqno.Set(itm.BySeqno)
	s.bufferedBackfill.bytes.Add(sz)
	s.bufferedBackfill.items.Add(1)
	if source == BackfillFromDisk {
		s.backfillItems.disk.Add(1)
	} else {
		s.backfillItems.memory.Add(1)
	}
	if s.backfillRemaining.Value() > 0 {
		s.backfillRemaining.Add(^uint64(0))
	}
	s.itemsReady.Set(true)
	s.mu.Unlock()

	s.producer.notifyStreamReady(s.vb)
	return true
}

// CompleteBackfill marks the disk scan finished; the stream leaves the
// backfill phase once the buffered items drain.
func (s *ActiveStream) CompleteBackfill() {
	s.mu.Lock()
	fmsg := "%v backfill complete, %v items read from disk, %v from memory, " +
		"last seqno read: %v"
	logging.Infof(fmsg, s.logPrefix, s.backfillItems.disk.Value(),
		s.backfillItems.memory.Value(), s.lastReadSeqno.Value())
	s.isBackfillTaskRunning.Set(false)
	s.itemsReady.Set(true)
	s.mu.Unlock()

	s.producer.notifyStreamReady(s.vb)
}

//
// Checkpoint processor path.
//

// nextCheckpointItemTask runs on the checkpoint processor; it pulls
// the next batch of queued items from the vbucket cursor, translates
// them into responses and appends them to the ready queue. The
// extraction flag keeps a concurrent NotifySeqnoAvailable from
// rescheduling the stream while the batch is in flight.
func (s *ActiveStream) nextCheckpointItemTask() {
	s.mu.Lock()
	if !s.IsActive() {
		s.mu.Unlock()
		return
	}
	s.chkptItemsExtractionInProgress.Set(true)

	items, mark := s.chkMgr.GetItemsForCursor(s.cursorName, -1)
	if len(items) > 0 {
		last := items[len(items)-1].BySeqno
		if last > s.curChkSeqno.Value() {
			s.curChkSeqno.Set(last)
		}
		s.processItems(items, mark)
	}

	s.chkptItemsExtractionInProgress.Set(false)
	hasItems := !s.readyQ.empty()
	if hasItems {
		s.itemsReady.Set(true)
	}
	s.mu.Unlock()

	if hasItems {
		s.producer.notifyStreamReady(s.vb)
	}
}

// processItems translates queued items into a marker plus mutations,
// honouring snapshot boundaries. Called with the stream mutex held.
func (s *ActiveStream) processItems(items []*Item, mark bool) {
	mutations := make([]*MutationResponse, 0, len(items))
	for _, itm := range items {
		mutations = append(mutations, s.makeMutationResponse(itm, BackfillFromMemory))
	}
	if len(mutations) == 0 {
		return
	}
	s.snapshot(mutations, mark)
}

// snapshot emits a marker covering the batch, then the mutations, so
// a consumer never observes a mutation without the marker of its
// snapshot.
func (s *ActiveStream) snapshot(mutations []*MutationResponse, mark bool) {
	snapStart := mutations[0].Item.BySeqno
	snapEnd := mutations[len(mutations)-1].Item.BySeqno

	flags := transport.MARKER_FLAG_MEMORY
	if mark {
		flags |= transport.MARKER_FLAG_CHK
	}

	if !s.firstMarkerSent {
		if s.snapStartSeqno < snapStart {
			snapStart = s.snapStartSeqno
		}
		s.firstMarkerSent = true
	}

	if s.State() == StreamTakeoverSend {
		flags |= transport.MARKER_FLAG_ACK
		s.waitForSnapshot.Add(1)
	}
	s.pushToReadyQ(&SnapshotMarker{
		Opaque:     s.opaque,
		VBucket:    s.vb,
		StartSeqno: snapStart,
		EndSeqno:   snapEnd,
		Flags:      flags,
	})
	s.lastSentSnapEndSeqno.Set(snapEnd)

	for _, m := range mutations {
		s.pushToReadyQ(m)
		s.lastReadSeqno.Set(m.Item.BySeqno)
		s.itemsFromMemoryPhase.Add(1)
	}
}

// makeMutationResponse applies the payload and compression policy.
// Called with the stream mutex held.
func (s *ActiveStream) makeMutationResponse(
	itm *Item, source BackfillSource) *MutationResponse {

	out := itm
	if !s.payloadKeyOnly && !itm.Deleted && len(itm.Value) > 0 &&
		itm.Datatype&DatatypeSnappy == 0 {
		if compressed, ok := s.maybeCompress(itm.Value); ok {
			out = itm.Clone()
			out.Value = compressed
			out.Datatype |= DatatypeSnappy
		}
	}
	return &MutationResponse{
		Item:    out,
		Opaque:  s.opaque,
		Source:  source,
		KeyOnly: s.payloadKeyOnly,
	}
}

// maybeCompress snappy-compresses the value when the achieved ratio
// beats the process-wide minimum; payloads below the threshold are
// sent uncompressed.
func (s *ActiveStream) maybeCompress(value []byte) ([]byte, bool) {
	minRatio := s.producer.connMap.MinCompressionRatio()
	if minRatio <= 0 {
		return nil, false
	}
	compressed := snappy.Encode(nil, value)
	if len(compressed) == 0 {
		return nil, false
	}
	ratio := float64(len(value)) / float64(len(compressed))
	if ratio < minRatio {
		return nil, false
	}
	return compressed, true
}

//
// Backfill scheduling.
//

// scheduleBackfill registers the checkpoint cursor and, when the
// requested range is not fully covered by the checkpoint log, hands a
// disk scan to the backfill manager; otherwise it moves the stream
// straight to the in-memory (or takeover-send) phase and schedules the
// checkpoint processor. Called with the stream mutex held via
// transitionState.
func (s *ActiveStream) scheduleBackfill() {
	cursorSeqno := s.chkMgr.RegisterCursor(s.cursorName, s.startSeqno)
	s.curChkSeqno.Set(cursorSeqno)

	backfillStart := s.startSeqno + 1
	if cursorSeqno <= backfillStart {
		// the whole window lives in the checkpoint log
		logging.Debugf("%v skipping disk backfill, memory covers seqno %v",
			s.logPrefix, s.startSeqno)
		s.isBackfillTaskRunning.Set(false)
		s.itemsReady.Set(true)
		if s.takeover {
			s.transitionState(StreamTakeoverSend)
		} else {
			s.transitionState(StreamInMemory)
		}
		s.scheduleProcessorTask()
		return
	}

	backfillEnd := cursorSeqno - 1
	if s.endSeqno < backfillEnd {
		backfillEnd = s.endSeqno
	}

	s.isBackfillTaskRunning.Set(true)
	if n, err := s.producer.backfillMgr.estimate(s.vb, backfillStart, backfillEnd); err == nil {
		s.backfillRemaining.Set(n)
	}
	fmsg := "%v scheduling backfill from %v to %v, reschedule flag: %v"
	logging.Infof(fmsg, s.logPrefix, backfillStart, backfillEnd, false)
	s.producer.backfillMgr.schedule(s, backfillStart, backfillEnd)
}

// transitionState must be called with the stream mutex held.
func (s *ActiveStream) transitionState(to StreamState) {
	logging.Debugf("%v transitioning from %v to %v",
		s.logPrefix, s.State(), to)

	if s.State() == to {
		return
	}

	valid := false
	switch s.State() {
	case StreamPending:
		valid = to == StreamBackfilling || to == StreamDead
	case StreamBackfilling:
		valid = to == StreamInMemory || to == StreamTakeoverSend ||
			to == StreamDead
	case StreamInMemory:
		valid = to == StreamTakeoverSend || to == StreamDead
	case StreamTakeoverSend:
		valid = to == StreamTakeoverWait || to == StreamDead
	case StreamTakeoverWait:
		valid = to == StreamTakeoverSend || to == StreamDead
	}
	if !valid {
		logging.Errorf("%v invalid transition from %v to %v",
			s.logPrefix, s.State(), to)
		return
	}

	s.setState(to)
	if to == StreamBackfilling {
		s.scheduleBackfill()
	}
}

// ItemsRemaining is the number of items yet to be sent, backfill plus
// checkpoint backlog.
func (s *ActiveStream) ItemsRemaining() uint64 {
	remaining := s.backfillRemaining.Value()
	remaining += uint64(s.chkMgr.ItemsRemaining(s.cursorName))
	remaining += uint64(s.readyQ.size())
	return remaining
}

// isSlowEligible reports whether the stream qualifies for slow-consumer
// eviction: ready queue bytes over the threshold with no drain within
// the idle window.
func (s *ActiveStream) isSlowEligible(byteThreshold uint64, idleSeconds int64) bool {
	if s.readyQ.memory() < byteThreshold {
		return false
	}
	return time.Now().Unix()-s.lastDrainTime.Value() >= idleSeconds
}

func (s *ActiveStream) AddStats(add AddStatFn) {
	s.addBaseStats(add)
	add(s.statKey("last_read_seqno"), fmt.Sprint(s.lastReadSeqno.Value()))
	add(s.statKey("last_sent_seqno"), fmt.Sprint(s.lastSentSeqno.Value()))
	add(s.statKey("cur_chk_seqno"), fmt.Sprint(s.curChkSeqno.Value()))
	add(s.statKey("last_sent_snap_end_seqno"),
		fmt.Sprint(s.lastSentSnapEndSeqno.Value()))
	add(s.statKey("backfill_remaining"),
		fmt.Sprint(s.backfillRemaining.Value()))
	add(s.statKey("backfilled_from_memory"),
		fmt.Sprint(s.backfillItems.memory.Value()))
	add(s.statKey("backfilled_from_disk"),
		fmt.Sprint(s.backfillItems.disk.Value()))
	add(s.statKey("backfill_sent"), fmt.Sprint(s.backfillItems.sent.Value()))
	add(s.statKey("memory_phase"), fmt.Sprint(s.itemsFromMemoryPhase.Value()))
	add(s.statKey("items_remaining"), fmt.Sprint(s.ItemsRemaining()))
}
