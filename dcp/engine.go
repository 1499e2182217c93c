package dcp

import (
	"github.com/couchbase/dcpcore/common"
	"github.com/couchbase/dcpcore/logging"
	"github.com/couchbase/dcpcore/transport"
)

// DCP_OPEN flag bits.
const (
	OpenFlagProducer = uint32(0x01)
	OpenFlagNotifier = uint32(0x02)
)

// Engine glues the vbucket table, the connection registry and the
// server layer into the entry points the protocol front end calls.
type Engine struct {
	config   common.Config
	ctx      EngineContext
	vbuckets *VBucketMap
	connMap  *DcpConnMap
}

func NewEngine(ctx EngineContext, store BackfillStore,
	config common.Config) *Engine {

	vbuckets := NewVBucketMap(config["maxVbuckets"].Int())
	e := &Engine{
		config:   config,
		ctx:      ctx,
		vbuckets: vbuckets,
		connMap:  NewDcpConnMap(ctx, vbuckets, store, config),
	}
	return e
}

func (e *Engine) ConnMap() *DcpConnMap {
	return e.connMap
}

func (e *Engine) VBuckets() *VBucketMap {
	return e.vbuckets
}

// DcpOpen creates the connection for a cookie and stashes it as the
// cookie's engine-specific data.
func (e *Engine) DcpOpen(cookie interface{}, name string,
	flags uint32) transport.Status {

	var conn Connection
	if flags&OpenFlagProducer != 0 {
		conn = e.connMap.NewProducer(cookie, name, flags&OpenFlagNotifier != 0)
	} else {
		conn = e.connMap.NewConsumer(cookie, name)
	}
	e.ctx.SetEngineSpecific(cookie, conn)
	return transport.SUCCESS
}

func (e *Engine) producerForCookie(cookie interface{}) *Producer {
	specific := e.ctx.GetEngineSpecific(cookie)
	producer, _ := specific.(*Producer)
	return producer
}

func (e *Engine) consumerForCookie(cookie interface{}) *Consumer {
	specific := e.ctx.GetEngineSpecific(cookie)
	consumer, _ := specific.(*Consumer)
	return consumer
}

// DcpStreamReq opens a producer stream for the cookie's connection.
func (e *Engine) DcpStreamReq(cookie interface{}, flags, opaque uint32,
	vb uint16, startSeqno, endSeqno, vbuuid, snapStart,
	snapEnd uint64) transport.Status {

	producer := e.producerForCookie(cookie)
	if producer == nil {
		return transport.DISCONNECT
	}
	return producer.StreamRequest(flags, opaque, vb,
		startSeqno, endSeqno, vbuuid, snapStart, snapEnd)
}

// DcpAddStream opens a passive stream through the registry's
// duplicate check.
func (e *Engine) DcpAddStream(cookie interface{}, opaque uint32, vb uint16,
	flags uint32) transport.Status {

	consumer := e.consumerForCookie(cookie)
	if consumer == nil {
		return transport.DISCONNECT
	}
	return e.connMap.AddPassiveStream(consumer, opaque, vb, flags)
}

// DcpCloseStream closes a stream on either connection type.
func (e *Engine) DcpCloseStream(cookie interface{}, vb uint16) transport.Status {
	if producer := e.producerForCookie(cookie); producer != nil {
		return producer.CloseStream(vb)
	}
	if consumer := e.consumerForCookie(cookie); consumer != nil {
		return consumer.CloseStream(vb)
	}
	return transport.DISCONNECT
}

// DcpDisconnect tears down the cookie's connection.
func (e *Engine) DcpDisconnect(cookie interface{}) {
	e.connMap.Disconnect(cookie)
	e.ctx.SetEngineSpecific(cookie, nil)
}

//
// Active data path.
//

// Mutate stores a document on the active vbucket and fans the new
// seqno to registered producer streams.
func (e *Engine) Mutate(vb uint16, key, value []byte) (uint64, transport.Status) {
	v := e.vbuckets.VBucket(vb)
	if v == nil {
		return 0, transport.NOT_MY_VBUCKET
	}
	if v.State() != transport.VbActive {
		return 0, transport.NOT_MY_VBUCKET
	}
	seqno := v.Queue(&Item{Key: key, Value: value, Cas: seqno2cas(v, key)})
	e.connMap.NotifyVBConnections(vb, seqno)
	return seqno, transport.SUCCESS
}

// Delete removes a document on the active vbucket.
func (e *Engine) Delete(vb uint16, key []byte) (uint64, transport.Status) {
	v := e.vbuckets.VBucket(vb)
	if v == nil {
		return 0, transport.NOT_MY_VBUCKET
	}
	if v.State() != transport.VbActive {
		return 0, transport.NOT_MY_VBUCKET
	}
	seqno := v.Queue(&Item{Key: key, Deleted: true})
	e.connMap.NotifyVBConnections(vb, seqno)
	return seqno, transport.SUCCESS
}

func seqno2cas(v *VBucket, key []byte) uint64 {
	// monotonic per vbucket is all the core needs
	return v.HighSeqno() + 1
}

// SetVBucketState changes a vbucket's state and notifies the registry
// so affected streams transition or die.
func (e *Engine) SetVBucketState(vb uint16, state transport.VbState,
	closeInboundStreams bool) transport.Status {

	v := e.vbuckets.VBucket(vb)
	if v == nil {
		return transport.NOT_MY_VBUCKET
	}
	v.SetVBucketState(state)
	e.connMap.VbucketStateChanged(vb, state, closeInboundStreams)
	return transport.SUCCESS
}

// DoDcpStats dumps registry and per-stream stats.
func (e *Engine) DoDcpStats(add AddStatFn) {
	e.connMap.AddStats(add)
}

// Shutdown closes every connection and finalizes the registry.
func (e *Engine) Shutdown() {
	e.connMap.ShutdownAllConnections()
}

//
// Legacy UPR surface. The alternate protocol variant was never wired
// up; every entry point reports NOT_SUPPORTED.
//

func (e *Engine) UprAddStream(cookie interface{}, opaque uint32, vb uint16,
	flags uint32) transport.Status {
	return transport.NOT_SUPPORTED
}

func (e *Engine) UprCloseStream(cookie interface{}, vb uint16) transport.Status {
	return transport.NOT_SUPPORTED
}

func (e *Engine) UprStreamEnd(cookie interface{}, opaque uint32, vb uint16,
	flags uint32) transport.Status {
	return transport.NOT_SUPPORTED
}

func (e *Engine) UprSnapshotMarker(cookie interface{}, opaque uint32,
	vb uint16) transport.Status {
	return transport.NOT_SUPPORTED
}

func (e *Engine) UprSetVbucketState(cookie interface{}, opaque uint32,
	vb uint16, state transport.VbState) transport.Status {
	return transport.NOT_SUPPORTED
}

func (e *Engine) UprFlush(cookie interface{}, opaque uint32,
	vb uint16) transport.Status {
	logging.Warnf("UPR[] received flush for vb %d", vb)
	return transport.NOT_SUPPORTED
}
