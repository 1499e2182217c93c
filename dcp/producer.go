package dcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/dcpcore/common"
	"github.com/couchbase/dcpcore/logging"
	"github.com/couchbase/dcpcore/stats"
	"github.com/couchbase/dcpcore/transport"
	gometrics "github.com/rcrowley/go-metrics"
)

// Producer is a connection streaming mutations out of vbuckets this
// node owns. It owns one active or notifier stream per vbucket, the
// checkpoint processor feeding them, and a backfill manager.
type Producer struct {
	connHandler

	connMap    *DcpConnMap
	config     common.Config
	notifyOnly bool
	keyOnly    bool

	streamsMu sync.Mutex
	streams   map[uint16]Stream

	readyMu  sync.Mutex
	readyVBs []uint16
	readySet map[uint16]bool

	checkpointTask *checkpointProcessorTask
	backfillMgr    *BackfillManager

	itemsSent      gometrics.Meter
	totalBytesSent stats.Uint64Val
	lastSendTime   stats.Int64Val
}

func newProducer(connMap *DcpConnMap, cookie interface{}, name string,
	notifyOnly bool) *Producer {

	p := &Producer{
		connMap:    connMap,
		config:     connMap.config,
		notifyOnly: notifyOnly,
		streams:    make(map[uint16]Stream),
		readySet:   make(map[uint16]bool),
		itemsSent:  gometrics.NewMeter(),
	}
	p.totalBytesSent.Init()
	p.lastSendTime.Init()
	prefix := fmt.Sprintf("DCPP[%v]", name)
	p.initConn(connMap.engine, cookie, name, prefix)
	p.checkpointTask = newCheckpointProcessorTask(p)
	p.backfillMgr = newBackfillManager(p, connMap, connMap.backfillStore)
	return p
}

// StreamRequest opens an active (or notifier) stream for a vbucket.
// Guarantees at most one stream per (connection, vbucket) pair.
func (p *Producer) StreamRequest(flags, opaque uint32, vb uint16,
	startSeqno, endSeqno, vbuuid, snapStart, snapEnd uint64) transport.Status {

	if int(vb) >= p.connMap.vbuckets.NumVBuckets() {
		return transport.NOT_MY_VBUCKET
	}
	if p.connMap.vbuckets.State(vb) != transport.VbActive {
		logging.Warnf("%v stream request for vb %d in state %v",
			p.logPrefix, vb, p.connMap.vbuckets.State(vb))
		return transport.NOT_MY_VBUCKET
	}
	if startSeqno > endSeqno {
		fmsg := "%v stream request for vb %d with start seqno %v > end seqno %v"
		logging.Warnf(fmsg, p.logPrefix, vb, startSeqno, endSeqno)
		return transport.ERANGE
	}
	if !(snapStart <= startSeqno && startSeqno <= snapEnd) {
		fmsg := "%v stream request for vb %d, start seqno %v outside " +
			"snapshot window [%v, %v]"
		logging.Warnf(fmsg, p.logPrefix, vb, startSeqno, snapStart, snapEnd)
		return transport.ERANGE
	}

	p.streamsMu.Lock()
	if s, ok := p.streams[vb]; ok && s.IsActive() {
		p.streamsMu.Unlock()
		logging.Warnf("%v stream request for vb %d, stream already exists",
			p.logPrefix, vb)
		return transport.KEY_EEXISTS
	}

	var stream Stream
	if p.notifyOnly {
		stream = newNotifierStream(p, p.name, flags, opaque, vb,
			startSeqno, endSeqno, vbuuid, snapStart, snapEnd)
	} else {
		chkMgr, ok := p.connMap.vbuckets.CheckpointManager(vb)
		if !ok {
			p.streamsMu.Unlock()
			return transport.NOT_MY_VBUCKET
		}
		stream = newActiveStream(p, chkMgr, p.name, flags, opaque, vb,
			startSeqno, endSeqno, vbuuid, snapStart, snapEnd)
	}
	p.streams[vb] = stream
	p.streamsMu.Unlock()

	p.connMap.addVBConn(p, vb)
	if as, ok := stream.(*ActiveStream); ok {
		as.setActive()
	}
	p.notifyStreamReady(vb)
	logging.Infof("%v stream created for vb %d [%v, %v]",
		p.logPrefix, vb, startSeqno, endSeqno)
	return transport.SUCCESS
}

// CloseStream ends a stream at the peer's request.
func (p *Producer) CloseStream(vb uint16) transport.Status {
	p.streamsMu.Lock()
	stream, ok := p.streams[vb]
	p.streamsMu.Unlock()
	if !ok {
		return transport.KEY_ENOENT
	}
	stream.SetDead(transport.END_STREAM_CLOSED)
	return transport.SUCCESS
}

// Next returns the next protocol message across all ready streams, nil
// when the connection has nothing to send. A nil return marks the
// connection paused until the next notification.
func (p *Producer) Next() DcpResponse {
	for {
		vb, ok := p.popReadyVB()
		if !ok {
			p.SetPaused(true)
			return nil
		}

		p.streamsMu.Lock()
		stream := p.streams[vb]
		p.streamsMu.Unlock()
		if stream == nil {
			continue
		}

		resp := stream.Next()
		if resp == nil {
			continue
		}

		p.SetPaused(false)
		p.SetNotifySent(false)
		p.totalBytesSent.Add(uint64(resp.Size()))
		p.lastSendTime.Set(time.Now().Unix())

		if resp.Event() == transport.DCP_STREAMEND {
			p.removeStream(vb)
		} else {
			// the stream stays in the walk until it reports empty
			p.pushReadyVB(vb)
		}
		return resp
	}
}

func (p *Producer) removeStream(vb uint16) {
	p.streamsMu.Lock()
	delete(p.streams, vb)
	p.streamsMu.Unlock()
	p.connMap.removeVBConn(p, vb)
}

func (p *Producer) popReadyVB() (uint16, bool) {
	p.readyMu.Lock()
	defer p.readyMu.Unlock()
	if len(p.readyVBs) == 0 {
		return 0, false
	}
	vb := p.readyVBs[0]
	p.readyVBs = p.readyVBs[1:]
	delete(p.readySet, vb)
	return vb, true
}

func (p *Producer) pushReadyVB(vb uint16) {
	p.readyMu.Lock()
	defer p.readyMu.Unlock()
	if !p.readySet[vb] {
		p.readyVBs = append(p.readyVBs, vb)
		p.readySet[vb] = true
	}
}

// notifyStreamReady queues the vbucket for the next Next() walk and
// wakes the paused connection.
func (p *Producer) notifyStreamReady(vb uint16) {
	p.pushReadyVB(vb)
	p.connMap.notifyPausedConnection(p)
}

// scheduleCheckpointProcessor hands the stream to the deduplicating
// checkpoint work queue.
func (p *Producer) scheduleCheckpointProcessor(s *ActiveStream) {
	p.checkpointTask.schedule(s)
}

// NotifySeqnoAvailable fans a new seqno into the vbucket's stream.
func (p *Producer) NotifySeqnoAvailable(vb uint16, seqno uint64) {
	p.streamsMu.Lock()
	stream := p.streams[vb]
	p.streamsMu.Unlock()
	if stream != nil && stream.IsActive() {
		stream.NotifySeqnoAvailable(seqno)
	}
}

// CloseSlowStream evicts the named stream when it qualifies as a slow
// consumer. Returns whether a stream was closed.
func (p *Producer) CloseSlowStream(vb uint16, name string) bool {
	p.streamsMu.Lock()
	stream := p.streams[vb]
	p.streamsMu.Unlock()

	as, ok := stream.(*ActiveStream)
	if !ok || as.Name() != name || !as.IsActive() {
		return false
	}

	byteThreshold := p.config["dcp.slowStreamByteThreshold"].Uint64()
	idleSeconds := int64(p.config["dcp.slowStreamIdleSeconds"].Int())
	if !as.isSlowEligible(byteThreshold, idleSeconds) {
		return false
	}

	logging.Warnf("%v closing slow stream for vb %d, %v bytes pending",
		p.logPrefix, vb, as.ReadyQueueMemory())
	as.SetDead(transport.END_STREAM_SLOW)
	return true
}

// VbucketStateChanged ends the vbucket's stream with a State stream-end
// when the vbucket leaves the active state; streams are not moved into
// the takeover phases here.
func (p *Producer) VbucketStateChanged(vb uint16, state transport.VbState) {
	p.streamsMu.Lock()
	stream := p.streams[vb]
	p.streamsMu.Unlock()
	if stream == nil || !stream.IsActive() {
		return
	}
	if state != transport.VbActive {
		stream.SetDead(transport.END_STREAM_STATE)
	}
}

// SnapshotMarkerAckReceived routes a marker ack during takeover.
func (p *Producer) SnapshotMarkerAckReceived(vb uint16) {
	p.streamsMu.Lock()
	stream := p.streams[vb]
	p.streamsMu.Unlock()
	if as, ok := stream.(*ActiveStream); ok {
		as.snapshotMarkerAckReceived()
	}
}

// SetVBucketStateAckReceived completes a takeover handoff.
func (p *Producer) SetVBucketStateAckReceived(vb uint16) {
	p.streamsMu.Lock()
	stream := p.streams[vb]
	p.streamsMu.Unlock()
	if as, ok := stream.(*ActiveStream); ok {
		as.setVBucketStateAckReceived()
	}
}

// CloseAllStreams tears down every stream without emitting stream-end
// messages, the connection is going away.
func (p *Producer) CloseAllStreams() {
	p.streamsMu.Lock()
	streams := make([]Stream, 0, len(p.streams))
	vbs := make([]uint16, 0, len(p.streams))
	for vb, s := range p.streams {
		streams = append(streams, s)
		vbs = append(vbs, vb)
	}
	p.streams = make(map[uint16]Stream)
	p.streamsMu.Unlock()

	for i, s := range streams {
		s.SetDead(transport.END_STREAM_DISCONNECTED)
		p.connMap.removeVBConn(p, vbs[i])
	}
	p.backfillMgr.close()
}

// ClearCheckpointProcessorTaskQueues drops queued checkpoint work.
func (p *Producer) ClearCheckpointProcessorTaskQueues() {
	p.checkpointTask.clearQueues()
}

func (p *Producer) cancelTasks() {
	p.checkpointTask.cancel()
	p.backfillMgr.close()
}

// NotifyBackfillManager retries admission for parked backfills.
func (p *Producer) NotifyBackfillManager() {
	p.backfillMgr.Wakeup()
}

// VBVector lists the vbuckets this producer has streams on.
func (p *Producer) VBVector() []uint16 {
	p.streamsMu.Lock()
	defer p.streamsMu.Unlock()
	vbs := make([]uint16, 0, len(p.streams))
	for vb := range p.streams {
		vbs = append(vbs, vb)
	}
	return vbs
}

func (p *Producer) recordItemSent(m *MutationResponse) {
	p.itemsSent.Mark(1)
}

func (p *Producer) AddStats(add AddStatFn) {
	add(fmt.Sprintf("%v:type", p.name), "producer")
	add(fmt.Sprintf("%v:created", p.name), fmt.Sprint(p.created.Unix()))
	add(fmt.Sprintf("%v:paused", p.name), fmt.Sprint(p.IsPaused()))
	add(fmt.Sprintf("%v:total_bytes_sent", p.name),
		fmt.Sprint(p.totalBytesSent.Value()))
	add(fmt.Sprintf("%v:items_sent_rate", p.name),
		fmt.Sprintf("%.2f", p.itemsSent.Rate1()))
	add(fmt.Sprintf("%v:last_send_time", p.name),
		fmt.Sprint(p.lastSendTime.Value()))

	p.streamsMu.Lock()
	streams := make([]Stream, 0, len(p.streams))
	for _, s := range p.streams {
		streams = append(streams, s)
	}
	p.streamsMu.Unlock()
	for _, s := range streams {
		s.AddStats(add)
	}
}
