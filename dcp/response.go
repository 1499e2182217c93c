package dcp

import (
	"github.com/couchbase/dcpcore/transport"
)

// Wire overhead of each message kind, header plus fixed extras. Ready
// queue byte accounting and flow control both charge these, so they
// must match what the network layer frames.
const (
	mutationBaseMsgBytes   = 55
	deletionBaseMsgBytes   = 42
	markerBaseMsgBytes     = 44
	streamEndBaseMsgBytes  = 28
	setVBStateBaseMsgBytes = 29
	streamReqBaseMsgBytes  = 72
	addStreamBaseMsgBytes  = 28
	markerAckBaseMsgBytes  = 24
)

// DcpResponse is a protocol message queued on a stream for delivery.
type DcpResponse interface {
	Event() transport.CommandCode
	GetOpaque() uint32
	GetVBucket() uint16
	Size() int
}

// BackfillSource tags where a backfilled item was read from.
type BackfillSource int

const (
	BackfillFromMemory BackfillSource = iota
	BackfillFromDisk
)

// MutationResponse carries a mutation, deletion or expiration.
type MutationResponse struct {
	Item    *Item
	Opaque  uint32
	Source  BackfillSource
	KeyOnly bool
	// Expired distinguishes DCP_EXPIRATION from DCP_DELETION, the
	// consumer treats both as deletions.
	Expired bool
	// Backfilled marks items charged against the buffered backfill
	// bound, so the drain path credits them back.
	Backfilled bool
}

func (m *MutationResponse) Event() transport.CommandCode {
	if m.Expired {
		return transport.DCP_EXPIRATION
	}
	if m.Item.Deleted {
		return transport.DCP_DELETION
	}
	return transport.DCP_MUTATION
}

func (m *MutationResponse) GetOpaque() uint32 {
	return m.Opaque
}

func (m *MutationResponse) GetVBucket() uint16 {
	return m.Item.VBucket
}

func (m *MutationResponse) Size() int {
	if m.Item.Deleted || m.Expired {
		return deletionBaseMsgBytes + len(m.Item.Key)
	}
	size := mutationBaseMsgBytes + len(m.Item.Key)
	if !m.KeyOnly {
		size += len(m.Item.Value)
	}
	return size
}

// SnapshotMarker announces the seqno range of the snapshot whose
// mutations follow it.
type SnapshotMarker struct {
	Opaque     uint32
	VBucket    uint16
	StartSeqno uint64
	EndSeqno   uint64
	Flags      uint32
}

func (s *SnapshotMarker) Event() transport.CommandCode {
	return transport.DCP_SNAPSHOT
}

func (s *SnapshotMarker) GetOpaque() uint32 {
	return s.Opaque
}

func (s *SnapshotMarker) GetVBucket() uint16 {
	return s.VBucket
}

func (s *SnapshotMarker) Size() int {
	return markerBaseMsgBytes
}

// StreamEndResponse terminates a stream with a user visible status.
type StreamEndResponse struct {
	Opaque  uint32
	VBucket uint16
	Status  transport.EndStreamStatus
}

func (s *StreamEndResponse) Event() transport.CommandCode {
	return transport.DCP_STREAMEND
}

func (s *StreamEndResponse) GetOpaque() uint32 {
	return s.Opaque
}

func (s *StreamEndResponse) GetVBucket() uint16 {
	return s.VBucket
}

func (s *StreamEndResponse) Size() int {
	return streamEndBaseMsgBytes
}

// SetVBucketStateResponse hands over vbucket state during takeover.
type SetVBucketStateResponse struct {
	Opaque  uint32
	VBucket uint16
	State   transport.VbState
}

func (s *SetVBucketStateResponse) Event() transport.CommandCode {
	return transport.DCP_SETVBSTATE
}

func (s *SetVBucketStateResponse) GetOpaque() uint32 {
	return s.Opaque
}

func (s *SetVBucketStateResponse) GetVBucket() uint16 {
	return s.VBucket
}

func (s *SetVBucketStateResponse) Size() int {
	return setVBStateBaseMsgBytes
}

// StreamReqResponse is queued by a passive stream for the network layer
// to forward upstream as a stream request.
type StreamReqResponse struct {
	Opaque     uint32
	VBucket    uint16
	Flags      uint32
	StartSeqno uint64
	EndSeqno   uint64
	VBucketUUID,
	SnapStartSeqno,
	SnapEndSeqno uint64
}

func (s *StreamReqResponse) Event() transport.CommandCode {
	return transport.DCP_STREAMREQ
}

func (s *StreamReqResponse) GetOpaque() uint32 {
	return s.Opaque
}

func (s *StreamReqResponse) GetVBucket() uint16 {
	return s.VBucket
}

func (s *StreamReqResponse) Size() int {
	return streamReqBaseMsgBytes
}

// AddStreamResponse acknowledges an add-stream request from the peer.
type AddStreamResponse struct {
	Opaque       uint32
	StreamOpaque uint32
	Status       transport.Status
}

func (a *AddStreamResponse) Event() transport.CommandCode {
	return transport.DCP_ADDSTREAM
}

func (a *AddStreamResponse) GetOpaque() uint32 {
	return a.Opaque
}

func (a *AddStreamResponse) GetVBucket() uint16 {
	return 0
}

func (a *AddStreamResponse) Size() int {
	return addStreamBaseMsgBytes
}

// SetVBucketStateAck acknowledges a takeover state handoff.
type SetVBucketStateAck struct {
	Opaque  uint32
	VBucket uint16
	Status  transport.Status
}

func (s *SetVBucketStateAck) Event() transport.CommandCode {
	return transport.DCP_SETVBSTATE
}

func (s *SetVBucketStateAck) GetOpaque() uint32 {
	return s.Opaque
}

func (s *SetVBucketStateAck) GetVBucket() uint16 {
	return s.VBucket
}

func (s *SetVBucketStateAck) Size() int {
	return markerAckBaseMsgBytes
}

// BufferAckResponse credits consumed bytes back to the producer's flow
// control window.
type BufferAckResponse struct {
	Opaque uint32
	Bytes  uint32
}

func (b *BufferAckResponse) Event() transport.CommandCode {
	return transport.DCP_BUFFERACK
}

func (b *BufferAckResponse) GetOpaque() uint32 {
	return b.Opaque
}

func (b *BufferAckResponse) GetVBucket() uint16 {
	return 0
}

func (b *BufferAckResponse) Size() int {
	return streamEndBaseMsgBytes
}

// SnapshotMarkerAck acknowledges a snapshot marker that carried the
// ack flag.
type SnapshotMarkerAck struct {
	Opaque  uint32
	VBucket uint16
	Status  transport.Status
}

func (s *SnapshotMarkerAck) Event() transport.CommandCode {
	return transport.DCP_SNAPSHOT
}

func (s *SnapshotMarkerAck) GetOpaque() uint32 {
	return s.Opaque
}

func (s *SnapshotMarkerAck) GetVBucket() uint16 {
	return s.VBucket
}

func (s *SnapshotMarkerAck) Size() int {
	return markerAckBaseMsgBytes
}
