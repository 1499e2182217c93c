package dcp

import (
	"fmt"
	"sync"

	"github.com/couchbase/dcpcore/logging"
	"github.com/couchbase/dcpcore/stats"
	"github.com/couchbase/dcpcore/transport"
)

// snapshot types tracked by a passive stream
const (
	snapshotNone = uint64(iota)
	snapshotDisk
	snapshotMemory
)

// processItemsError is the outcome of one buffered-message drain.
type processItemsError int

const (
	allProcessed processItemsError = iota
	moreToProcess
	cannotProcess
)

// PassiveStream is the consumer-side receiver for a replica vbucket.
// Incoming messages are buffered and applied in order by the consumer
// processor task.
type PassiveStream struct {
	streamBase

	consumer *Consumer
	engine   ReplicaApplier

	lastSeqno        stats.Uint64Val
	curSnapshotStart stats.Uint64Val
	curSnapshotEnd   stats.Uint64Val
	curSnapshotType  stats.Uint64Val

	// guarded by the stream mutex
	curSnapshotAck bool

	// Lock ordering w.r.t the stream mutex: first acquire bufMu and
	// then the stream mutex.
	buffer struct {
		mu       sync.Mutex
		messages []DcpResponse
		bytes    stats.Uint64Val
		items    stats.Uint64Val
	}

	bufferCapacity uint64
}

func newPassiveStream(
	consumer *Consumer, engine ReplicaApplier,
	name string, flags, opaque uint32, vb uint16,
	startSeqno, endSeqno, vbuuid, snapStart, snapEnd uint64) *PassiveStream {

	s := &PassiveStream{
		consumer: consumer,
		engine:   engine,
	}
	prefix := fmt.Sprintf("DCPC[%v ##%x vb:%d]", name, opaque, vb)
	s.initBase(StreamTypePassive, name, flags, opaque, vb,
		startSeqno, endSeqno, vbuuid, snapStart, snapEnd, prefix)

	s.lastSeqno.Init()
	s.lastSeqno.Set(startSeqno)
	s.curSnapshotStart.Init()
	s.curSnapshotEnd.Init()
	s.curSnapshotType.Init()
	s.buffer.bytes.Init()
	s.buffer.items.Init()
	s.bufferCapacity = consumer.config["dcp.connBufferSize"].Uint64()

	// the outbound stream request travels through the ready queue
	s.mu.Lock()
	s.pushToReadyQ(&StreamReqResponse{
		Opaque:         opaque,
		VBucket:        vb,
		Flags:          flags,
		StartSeqno:     startSeqno,
		EndSeqno:       endSeqno,
		VBucketUUID:    vbuuid,
		SnapStartSeqno: snapStart,
		SnapEndSeqno:   snapEnd,
	})
	s.itemsReady.Set(true)
	s.mu.Unlock()
	return s
}

// Next drains outbound responses (stream requests, marker acks).
func (s *PassiveStream) Next() DcpResponse {
	s.mu.Lock()
	resp := s.popFromReadyQ()
	s.itemsReady.Set(!s.readyQ.empty())
	s.mu.Unlock()
	return resp
}

// acceptStream is invoked once the producer accepted the stream
// request.
func (s *PassiveStream) acceptStream(status transport.Status, addOpaque uint32) {
	s.mu.Lock()
	if s.State() == StreamPending {
		if status == transport.SUCCESS {
			s.setState(StreamReading)
		} else {
			s.setState(StreamDead)
		}
		s.pushToReadyQ(&AddStreamResponse{
			Opaque:       addOpaque,
			StreamOpaque: s.opaque,
			Status:       status,
		})
		s.itemsReady.Set(true)
	}
	s.mu.Unlock()
	s.consumer.notifyStreamReady(s.vb)
}

// reconnectStream resets the stream after a connection resume.
func (s *PassiveStream) reconnectStream(newOpaque uint32, startSeqno uint64) {
	s.clearBuffer()

	s.mu.Lock()
	s.opaque = newOpaque
	s.lastSeqno.Set(startSeqno)
	s.curSnapshotType.Set(snapshotNone)
	s.setState(StreamPending)
	s.pushToReadyQ(&StreamReqResponse{
		Opaque:         newOpaque,
		VBucket:        s.vb,
		Flags:          s.flags,
		StartSeqno:     startSeqno,
		EndSeqno:       s.endSeqno,
		VBucketUUID:    s.vbuuid,
		SnapStartSeqno: startSeqno,
		SnapEndSeqno:   startSeqno,
	})
	s.itemsReady.Set(true)
	s.mu.Unlock()

	logging.Infof("%v reconnecting stream from seqno %v", s.logPrefix, startSeqno)
	s.consumer.notifyStreamReady(s.vb)
}

// messageReceived is the receive path. Messages are applied directly
// while the buffer is empty; once anything is buffered every later
// message is buffered behind it to preserve order.
func (s *PassiveStream) messageReceived(resp DcpResponse) transport.Status {
	if !s.IsActive() {
		return transport.KEY_ENOENT
	}

	s.buffer.mu.Lock()
	if len(s.buffer.messages) > 0 {
		if s.buffer.bytes.Value() >= s.bufferCapacity {
			s.buffer.mu.Unlock()
			return transport.TMPFAIL
		}
		s.bufferMessageLocked(resp)
		s.buffer.mu.Unlock()
		s.consumer.wakeProcessor()
		return transport.SUCCESS
	}
	s.buffer.mu.Unlock()

	status := s.processResponse(resp)
	if status == transport.TMPFAIL {
		s.buffer.mu.Lock()
		s.bufferMessageLocked(resp)
		s.buffer.mu.Unlock()
		s.consumer.wakeProcessor()
		return transport.SUCCESS
	}
	if status == transport.SUCCESS {
		s.consumer.creditFlowControl(uint32(resp.Size()))
	}
	return status
}

// bufferMessageLocked must be called with bufMu held.
func (s *PassiveStream) bufferMessageLocked(resp DcpResponse) {
	s.buffer.messages = append(s.buffer.messages, resp)
	s.buffer.bytes.Add(uint64(resp.Size()))
	s.buffer.items.Add(1)
}

// processBufferedMessages applies up to batchSize buffered messages,
// returning the bytes applied and whether more work remains. On a
// temporary failure the message is pushed back at the buffer head and
// cannotProcess returned, to be retried at the next processor cycle.
func (s *PassiveStream) processBufferedMessages(batchSize int) (uint32, processItemsError) {
	processedBytes := uint32(0)
	for count := 0; count < batchSize; count++ {
		s.buffer.mu.Lock()
		if len(s.buffer.messages) == 0 {
			s.buffer.mu.Unlock()
			return processedBytes, allProcessed
		}
		resp := s.buffer.messages[0]
		s.buffer.messages = s.buffer.messages[1:]
		sz := uint64(resp.Size())
		s.buffer.bytes.Add(^(sz - 1))
		s.buffer.items.Add(^uint64(0))
		s.buffer.mu.Unlock()

		status := s.processResponse(resp)
		if status == transport.TMPFAIL {
			s.buffer.mu.Lock()
			s.buffer.messages = append([]DcpResponse{resp}, s.buffer.messages...)
			s.buffer.bytes.Add(sz)
			s.buffer.items.Add(1)
			s.buffer.mu.Unlock()
			return processedBytes, cannotProcess
		}
		processedBytes += uint32(sz)
	}

	s.buffer.mu.Lock()
	remaining := len(s.buffer.messages)
	s.buffer.mu.Unlock()
	if remaining > 0 {
		return processedBytes, moreToProcess
	}
	return processedBytes, allProcessed
}

func (s *PassiveStream) processResponse(resp DcpResponse) transport.Status {
	switch m := resp.(type) {
	case *SnapshotMarker:
		s.processMarker(m)
		return transport.SUCCESS
	case *MutationResponse:
		if m.Item.Deleted || m.Expired {
			return s.processDeletion(m)
		}
		return s.processMutation(m)
	case *SetVBucketStateResponse:
		s.processSetVBucketState(m)
		return transport.SUCCESS
	case *StreamEndResponse:
		s.streamEndReceived(m.Status)
		return transport.SUCCESS
	default:
		logging.Warnf("%v unknown message type %v in receive buffer",
			s.logPrefix, resp.Event())
		return transport.NOT_SUPPORTED
	}
}

func (s *PassiveStream) processMutation(m *MutationResponse) transport.Status {
	seqno := m.Item.BySeqno
	if seqno <= s.lastSeqno.Value() {
		fmsg := "%v erroneous mutation with seqno %v, expected above %v"
		logging.Errorf(fmsg, s.logPrefix, seqno, s.lastSeqno.Value())
		return transport.ERANGE
	}

	status := s.engine.ApplyMutation(m.Item)
	if status == transport.SUCCESS {
		s.lastSeqno.Set(seqno)
		s.handleSnapshotEnd(seqno)
	}
	return status
}

func (s *PassiveStream) processDeletion(m *MutationResponse) transport.Status {
	seqno := m.Item.BySeqno
	if seqno <= s.lastSeqno.Value() {
		fmsg := "%v erroneous deletion with seqno %v, expected above %v"
		logging.Errorf(fmsg, s.logPrefix, seqno, s.lastSeqno.Value())
		return transport.ERANGE
	}

	status := s.engine.ApplyDeletion(m.Item)
	if status == transport.SUCCESS {
		s.lastSeqno.Set(seqno)
		s.handleSnapshotEnd(seqno)
	}
	return status
}

func (s *PassiveStream) processMarker(marker *SnapshotMarker) {
	s.mu.Lock()
	s.curSnapshotStart.Set(marker.StartSeqno)
	s.curSnapshotEnd.Set(marker.EndSeqno)
	if marker.Flags&transport.MARKER_FLAG_DISK != 0 {
		s.curSnapshotType.Set(snapshotDisk)
	} else {
		s.curSnapshotType.Set(snapshotMemory)
	}
	s.curSnapshotAck = marker.Flags&transport.MARKER_FLAG_ACK != 0
	s.mu.Unlock()

	s.engine.SetSnapshotRange(marker.StartSeqno, marker.EndSeqno, marker.Flags)
}

func (s *PassiveStream) processSetVBucketState(state *SetVBucketStateResponse) {
	s.engine.SetVBucketState(state.State)
	s.consumer.sendSetVBucketStateAck(s, transport.SUCCESS)
}

// handleSnapshotEnd closes the current snapshot once its last seqno
// has been applied. Disk snapshots persist a checkpoint boundary;
// memory snapshots simply close. A marker that requested an ack gets
// exactly one.
func (s *PassiveStream) handleSnapshotEnd(seqno uint64) {
	if seqno != s.curSnapshotEnd.Value() {
		return
	}
	if s.curSnapshotType.Value() == snapshotDisk {
		s.engine.CommitDiskSnapshot(seqno)
	}

	s.mu.Lock()
	sendAck := s.curSnapshotAck
	if sendAck {
		s.pushToReadyQ(&SnapshotMarkerAck{
			Opaque:  s.opaque,
			VBucket: s.vb,
			Status:  transport.SUCCESS,
		})
		s.itemsReady.Set(true)
		s.curSnapshotAck = false
	}
	s.mu.Unlock()

	s.curSnapshotType.Set(snapshotNone)
	if sendAck {
		s.consumer.notifyStreamReady(s.vb)
	}
}

func (s *PassiveStream) streamEndReceived(status transport.EndStreamStatus) {
	logging.Infof("%v stream ended by producer with reason: %v",
		s.logPrefix, status)
	s.SetDead(status)
}

// clearBuffer drains and frees the receive buffer, returning the bytes
// freed for flow control accounting.
func (s *PassiveStream) clearBuffer() uint32 {
	s.buffer.mu.Lock()
	freed := uint32(s.buffer.bytes.Value())
	s.buffer.messages = nil
	s.buffer.bytes.Set(0)
	s.buffer.items.Set(0)
	s.buffer.mu.Unlock()
	return freed
}

// SetDead drains and frees the receive buffer and the ready queue,
// then queues a local stream-end response (none for a disconnect).
func (s *PassiveStream) SetDead(status transport.EndStreamStatus) uint32 {
	freed := s.clearBuffer()

	s.mu.Lock()
	if s.State() != StreamDead {
		s.readyQ.clear()
		if status != transport.END_STREAM_DISCONNECTED {
			s.pushToReadyQ(&StreamEndResponse{
				Opaque:  s.opaque,
				VBucket: s.vb,
				Status:  status,
			})
			s.itemsReady.Set(true)
		}
		s.setState(StreamDead)
		fmsg := "%v stream closed, last seqno applied %v, reason: %v"
		logging.Infof(fmsg, s.logPrefix, s.lastSeqno.Value(), status)
	}
	s.mu.Unlock()
	return freed
}

func (s *PassiveStream) NotifySeqnoAvailable(seqno uint64) {
	// passive streams are driven by the peer, nothing to do
}

func (s *PassiveStream) AddStats(add AddStatFn) {
	s.addBaseStats(add)
	add(s.statKey("last_received_seqno"), fmt.Sprint(s.lastSeqno.Value()))
	add(s.statKey("buffer_bytes"), fmt.Sprint(s.buffer.bytes.Value()))
	add(s.statKey("buffer_items"), fmt.Sprint(s.buffer.items.Value()))
	add(s.statKey("cur_snapshot_start"), fmt.Sprint(s.curSnapshotStart.Value()))
	add(s.statKey("cur_snapshot_end"), fmt.Sprint(s.curSnapshotEnd.Value()))
}
