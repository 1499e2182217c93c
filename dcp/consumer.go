package dcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/dcpcore/common"
	"github.com/couchbase/dcpcore/logging"
	"github.com/couchbase/dcpcore/stats"
	"github.com/couchbase/dcpcore/transport"
)

// bufferAckThreshold is the fraction of the flow control window the
// consumer applies before crediting bytes back to the producer.
const bufferAckThreshold = 0.2

// Consumer is a connection receiving mutations into replica vbuckets.
// A background processor task drains each passive stream's receive
// buffer into the vbucket store.
type Consumer struct {
	connHandler

	connMap *DcpConnMap
	config  common.Config

	mu            sync.Mutex
	streams       map[uint16]*PassiveStream
	opaqueMap     map[uint32]uint16
	opaqueCounter uint32
	// consecutive cannot-process results per vbucket
	stuckRuns map[uint16]int

	processorWakeCh chan bool
	finch           chan bool
	closeOnce       sync.Once

	flowBufferSize  uint64
	unackedBytes    stats.Uint64Val
	pendingAckBytes stats.Uint64Val
	totalAckedBytes stats.Uint64Val

	batchSize       int
	processorBudget int
}

func newConsumer(connMap *DcpConnMap, cookie interface{}, name string) *Consumer {
	c := &Consumer{
		connMap:         connMap,
		config:          connMap.config,
		streams:         make(map[uint16]*PassiveStream),
		opaqueMap:       make(map[uint32]uint16),
		stuckRuns:       make(map[uint16]int),
		processorWakeCh: make(chan bool, 1),
		finch:           make(chan bool),
		flowBufferSize:  connMap.config["dcp.connBufferSize"].Uint64(),
		batchSize:       connMap.config["dcp.consumerProcessorBatchSize"].Int(),
		processorBudget: connMap.config["dcp.consumerProcessorBudget"].Int(),
	}
	c.unackedBytes.Init()
	c.pendingAckBytes.Init()
	c.totalAckedBytes.Init()
	prefix := fmt.Sprintf("DCPC[%v]", name)
	c.initConn(connMap.engine, cookie, name, prefix)
	go c.processorRun()
	return c
}

// AddStream opens a passive stream for a replica vbucket. The
// registry has already rejected duplicates across consumers; this
// guards the per-connection invariant.
func (c *Consumer) AddStream(opaque uint32, vb uint16, flags uint32) transport.Status {
	if int(vb) >= c.connMap.vbuckets.NumVBuckets() {
		return transport.NOT_MY_VBUCKET
	}
	applier, ok := c.connMap.vbuckets.Applier(vb)
	if !ok {
		return transport.NOT_MY_VBUCKET
	}

	c.mu.Lock()
	if s, ok := c.streams[vb]; ok && s.IsActive() {
		c.mu.Unlock()
		logging.Warnf("%v add stream for vb %d, stream already exists",
			c.logPrefix, vb)
		return transport.KEY_EEXISTS
	}

	c.opaqueCounter++
	streamOpaque := c.opaqueCounter
	startSeqno := applier.HighSeqno()
	vbuuid := c.connMap.vbuckets.UUID(vb)

	stream := newPassiveStream(c, applier, c.name, flags, streamOpaque, vb,
		startSeqno, dcpMaxSeqno, vbuuid, startSeqno, startSeqno)
	c.streams[vb] = stream
	c.opaqueMap[streamOpaque] = vb
	c.mu.Unlock()

	c.connMap.addVBConn(c, vb)
	logging.Infof("%v passive stream created for vb %d from seqno %v",
		c.logPrefix, vb, startSeqno)
	return transport.SUCCESS
}

// CloseStream closes the passive stream for a vbucket.
func (c *Consumer) CloseStream(vb uint16) transport.Status {
	c.mu.Lock()
	stream := c.streams[vb]
	c.mu.Unlock()
	if stream == nil {
		return transport.KEY_ENOENT
	}
	freed := stream.SetDead(transport.END_STREAM_CLOSED)
	c.creditFlowControl(freed)
	c.removeStream(vb)
	return transport.SUCCESS
}

// IsStreamPresent reports whether a live passive stream exists for the
// vbucket.
func (c *Consumer) IsStreamPresent(vb uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[vb]
	return ok && s.IsActive()
}

// ReconnectStream resets the vbucket's stream after a connection
// resume.
func (c *Consumer) ReconnectStream(vb uint16, newOpaque uint32,
	startSeqno uint64) transport.Status {

	c.mu.Lock()
	stream := c.streams[vb]
	if stream == nil {
		c.mu.Unlock()
		return transport.KEY_ENOENT
	}
	delete(c.opaqueMap, stream.Opaque())
	c.opaqueMap[newOpaque] = vb
	c.mu.Unlock()

	stream.reconnectStream(newOpaque, startSeqno)
	return transport.SUCCESS
}

func (c *Consumer) streamForOpaque(opaque uint32) *PassiveStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	vb, ok := c.opaqueMap[opaque]
	if !ok {
		return nil
	}
	return c.streams[vb]
}

//
// Receive-path entry points invoked by the network layer.
//

func (c *Consumer) SnapshotMarker(opaque uint32, vb uint16,
	start, end uint64, flags uint32) transport.Status {

	stream := c.streamForOpaque(opaque)
	if stream == nil || stream.VBucket() != vb {
		return transport.DISCONNECT
	}
	marker := &SnapshotMarker{
		Opaque:     opaque,
		VBucket:    vb,
		StartSeqno: start,
		EndSeqno:   end,
		Flags:      flags,
	}
	c.accountReceived(uint64(marker.Size()))
	return stream.messageReceived(marker)
}

func (c *Consumer) Mutation(opaque uint32, itm *Item) transport.Status {
	stream := c.streamForOpaque(opaque)
	if stream == nil || stream.VBucket() != itm.VBucket {
		return transport.DISCONNECT
	}
	m := &MutationResponse{Item: itm, Opaque: opaque}
	c.accountReceived(uint64(m.Size()))
	return stream.messageReceived(m)
}

func (c *Consumer) Deletion(opaque uint32, itm *Item) transport.Status {
	itm.Deleted = true
	return c.Mutation(opaque, itm)
}

// Expiration is semantically equivalent to Deletion.
func (c *Consumer) Expiration(opaque uint32, itm *Item) transport.Status {
	stream := c.streamForOpaque(opaque)
	if stream == nil || stream.VBucket() != itm.VBucket {
		return transport.DISCONNECT
	}
	itm.Deleted = true
	m := &MutationResponse{Item: itm, Opaque: opaque, Expired: true}
	c.accountReceived(uint64(m.Size()))
	return stream.messageReceived(m)
}

func (c *Consumer) StreamEnd(opaque uint32, vb uint16,
	status transport.EndStreamStatus) transport.Status {

	stream := c.streamForOpaque(opaque)
	if stream == nil || stream.VBucket() != vb {
		return transport.DISCONNECT
	}
	end := &StreamEndResponse{Opaque: opaque, VBucket: vb, Status: status}
	st := stream.messageReceived(end)
	if st == transport.SUCCESS && !stream.IsActive() {
		c.removeStream(vb)
	}
	return st
}

func (c *Consumer) SetVBucketState(opaque uint32, vb uint16,
	state transport.VbState) transport.Status {

	stream := c.streamForOpaque(opaque)
	if stream == nil || stream.VBucket() != vb {
		return transport.DISCONNECT
	}
	msg := &SetVBucketStateResponse{Opaque: opaque, VBucket: vb, State: state}
	return stream.messageReceived(msg)
}

// StreamAccepted routes the producer's stream request response.
func (c *Consumer) StreamAccepted(opaque uint32, status transport.Status,
	addOpaque uint32) transport.Status {

	stream := c.streamForOpaque(opaque)
	if stream == nil {
		return transport.DISCONNECT
	}
	stream.acceptStream(status, addOpaque)
	if status != transport.SUCCESS {
		c.removeStream(stream.VBucket())
	}
	return transport.SUCCESS
}

func (c *Consumer) removeStream(vb uint16) {
	c.mu.Lock()
	if s, ok := c.streams[vb]; ok {
		delete(c.opaqueMap, s.Opaque())
		delete(c.streams, vb)
		delete(c.stuckRuns, vb)
	}
	c.mu.Unlock()
	c.connMap.removeVBConn(c, vb)
}

// Next drains outbound responses (stream requests, acks, buffer acks)
// across all passive streams.
func (c *Consumer) Next() DcpResponse {
	if ack := c.takeBufferAck(); ack != nil {
		return ack
	}

	c.mu.Lock()
	streams := make([]*PassiveStream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	for _, s := range streams {
		if resp := s.Next(); resp != nil {
			c.SetPaused(false)
			c.SetNotifySent(false)
			return resp
		}
	}
	c.SetPaused(true)
	return nil
}

func (c *Consumer) notifyStreamReady(vb uint16) {
	c.connMap.notifyPausedConnection(c)
}

func (c *Consumer) sendSetVBucketStateAck(s *PassiveStream, status transport.Status) {
	s.mu.Lock()
	s.pushToReadyQ(&SetVBucketStateAck{
		Opaque:  s.opaque,
		VBucket: s.vb,
		Status:  status,
	})
	s.itemsReady.Set(true)
	s.mu.Unlock()
	c.notifyStreamReady(s.VBucket())
}

//
// Flow control.
//

func (c *Consumer) accountReceived(bytes uint64) {
	c.unackedBytes.Add(bytes)
}

// creditFlowControl moves applied bytes toward the next buffer ack.
func (c *Consumer) creditFlowControl(bytes uint32) {
	if bytes == 0 {
		return
	}
	c.pendingAckBytes.Add(uint64(bytes))
}

// takeBufferAck emits a buffer ack once a fifth of the window has been
// applied.
func (c *Consumer) takeBufferAck() *BufferAckResponse {
	threshold := uint64(float64(c.flowBufferSize) * bufferAckThreshold)
	pending := c.pendingAckBytes.Value()
	if pending < threshold {
		return nil
	}
	if !c.pendingAckBytes.CAS(pending, 0) {
		return nil
	}
	c.totalAckedBytes.Add(pending)
	if c.unackedBytes.Value() >= pending {
		c.unackedBytes.Add(^(pending - 1))
	} else {
		c.unackedBytes.Set(0)
	}
	return &BufferAckResponse{Bytes: uint32(pending)}
}

//
// Processor task: drains buffered messages into the vbucket store.
//

func (c *Consumer) wakeProcessor() {
	select {
	case c.processorWakeCh <- true:
	default:
	}
}

// CancelTask stops the processor; teardown calls this before closing
// streams.
func (c *Consumer) CancelTask() {
	c.closeOnce.Do(func() {
		close(c.finch)
	})
}

func (c *Consumer) processorRun() {
	defer func() { // panic safe
		if r := recover(); r != nil {
			logging.Errorf("%v processor crashed: %v\n", c.logPrefix, r)
			logging.Errorf("%s", logging.StackTrace())
		}
		logging.Infof("%v processor ... stopped\n", c.logPrefix)
	}()

	for {
		select {
		case <-c.processorWakeCh:
		case <-c.finch:
			return
		}

		for {
			busy := c.processorIteration()
			select {
			case <-c.finch:
				return
			default:
			}
			if !busy {
				break
			}
		}
	}
}

// processorIteration drains one batch from each stream, reporting
// whether any stream still has buffered work.
func (c *Consumer) processorIteration() bool {
	c.mu.Lock()
	streams := make([]*PassiveStream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	busy := false
	for _, s := range streams {
		processed, outcome := s.processBufferedMessages(c.batchSize)
		c.creditFlowControl(processed)

		if !s.IsActive() {
			// a buffered stream-end was applied
			c.removeStream(s.VBucket())
			continue
		}

		switch outcome {
		case allProcessed:
			c.resetStuckRun(s.VBucket())
		case moreToProcess:
			c.resetStuckRun(s.VBucket())
			busy = true
		case cannotProcess:
			if c.bumpStuckRun(s.VBucket()) {
				fmsg := "%v vb %d buffered apply stuck beyond budget, " +
					"ending stream"
				logging.Warnf(fmsg, c.logPrefix, s.VBucket())
				freed := s.SetDead(transport.END_STREAM_SLOW)
				c.creditFlowControl(freed)
				c.removeStream(s.VBucket())
			} else {
				busy = true
				// back off before retrying the engine
				time.Sleep(time.Millisecond)
			}
		}
	}
	return busy
}

func (c *Consumer) resetStuckRun(vb uint16) {
	c.mu.Lock()
	delete(c.stuckRuns, vb)
	c.mu.Unlock()
}

// bumpStuckRun reports whether the cannot-process budget is exhausted.
func (c *Consumer) bumpStuckRun(vb uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stuckRuns[vb]++
	return c.stuckRuns[vb] > c.processorBudget
}

// CloseAllStreams tears down every passive stream.
func (c *Consumer) CloseAllStreams() {
	c.mu.Lock()
	streams := make([]*PassiveStream, 0, len(c.streams))
	vbs := make([]uint16, 0, len(c.streams))
	for vb, s := range c.streams {
		streams = append(streams, s)
		vbs = append(vbs, vb)
	}
	c.streams = make(map[uint16]*PassiveStream)
	c.opaqueMap = make(map[uint32]uint16)
	c.mu.Unlock()

	for i, s := range streams {
		s.SetDead(transport.END_STREAM_DISCONNECTED)
		c.connMap.removeVBConn(c, vbs[i])
	}
}

// VbucketStateChanged tears down the inbound stream when requested by
// the registry.
func (c *Consumer) VbucketStateChanged(vb uint16, state transport.VbState) {
	c.mu.Lock()
	stream := c.streams[vb]
	c.mu.Unlock()
	if stream == nil || !stream.IsActive() {
		return
	}
	freed := stream.SetDead(transport.END_STREAM_STATE)
	c.creditFlowControl(freed)
	c.removeStream(vb)
}

func (c *Consumer) AddStats(add AddStatFn) {
	add(fmt.Sprintf("%v:type", c.name), "consumer")
	add(fmt.Sprintf("%v:created", c.name), fmt.Sprint(c.created.Unix()))
	add(fmt.Sprintf("%v:unacked_bytes", c.name),
		fmt.Sprint(c.unackedBytes.Value()))
	add(fmt.Sprintf("%v:total_acked_bytes", c.name),
		fmt.Sprint(c.totalAckedBytes.Value()))

	c.mu.Lock()
	streams := make([]*PassiveStream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()
	for _, s := range streams {
		s.AddStats(add)
	}
}
