package dcp

import (
	"time"

	"github.com/couchbase/dcpcore/stats"
	"github.com/couchbase/dcpcore/transport"
)

// DcpNamePrefix tags every canonical connection name.
const DcpNamePrefix = "eq_dcpq:"

// Connection is the registry's view of a producer or consumer.
type Connection interface {
	Name() string
	Cookie() interface{}

	SetDisconnect(v bool)
	DoDisconnect() bool

	IsReserved() bool
	ReleaseReference()

	IsPaused() bool
	SetPaused(v bool)
	SentNotify() bool
	SetNotifySent(v bool)
	LastWalkTime() int64
	SetLastWalkTime()

	CloseAllStreams()
	VbucketStateChanged(vb uint16, state transport.VbState)
	AddStats(add AddStatFn)
}

// connHandler is the state shared by producers and consumers: identity,
// the reserved reference held by the server layer, and the pause /
// notify bookkeeping walked by the connection sweep.
type connHandler struct {
	cookie interface{}
	name   string
	engine EngineContext

	reserved     stats.BoolVal
	disconnect   stats.BoolVal
	paused       stats.BoolVal
	notifySent   stats.BoolVal
	lastWalkTime stats.Int64Val // unix seconds

	created   time.Time
	logPrefix string
}

func (c *connHandler) initConn(engine EngineContext, cookie interface{},
	name, logPrefix string) {

	c.engine = engine
	c.cookie = cookie
	c.name = name
	c.reserved.Init()
	c.disconnect.Init()
	c.paused.Init()
	c.notifySent.Init()
	c.lastWalkTime.Init()
	c.lastWalkTime.Set(time.Now().Unix())
	c.created = time.Now()
	c.logPrefix = logPrefix

	engine.ReserveCookie(cookie)
	c.reserved.Set(true)
}

func (c *connHandler) Name() string {
	return c.name
}

func (c *connHandler) Cookie() interface{} {
	return c.cookie
}

func (c *connHandler) SetDisconnect(v bool) {
	c.disconnect.Set(v)
}

func (c *connHandler) DoDisconnect() bool {
	return c.disconnect.Value()
}

func (c *connHandler) IsReserved() bool {
	return c.reserved.Value()
}

// ReleaseReference drops the reserved reference exactly once.
func (c *connHandler) ReleaseReference() {
	if c.reserved.CAS(true, false) {
		c.engine.ReleaseCookie(c.cookie)
	}
}

func (c *connHandler) IsPaused() bool {
	return c.paused.Value()
}

func (c *connHandler) SetPaused(v bool) {
	c.paused.Set(v)
}

func (c *connHandler) SentNotify() bool {
	return c.notifySent.Value()
}

func (c *connHandler) SetNotifySent(v bool) {
	c.notifySent.Set(v)
}

func (c *connHandler) LastWalkTime() int64 {
	return c.lastWalkTime.Value()
}

func (c *connHandler) SetLastWalkTime() {
	c.lastWalkTime.Set(time.Now().Unix())
}
