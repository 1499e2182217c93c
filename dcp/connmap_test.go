package dcp

import (
	"math"
	"testing"

	"github.com/couchbase/dcpcore/transport"
	"github.com/stretchr/testify/require"
)

// Scenario: at most one passive stream may exist per vbucket across
// every consumer connection.
func TestDuplicatePassiveStreamRejection(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	engine.SetVBucketState(3, transport.VbReplica, false)

	cookie := "cookie-c"
	require.Equal(t, transport.SUCCESS, engine.DcpOpen(cookie, "n", 0))
	require.Equal(t, transport.SUCCESS, engine.DcpAddStream(cookie, 1, 3, 0))
	require.Equal(t, transport.KEY_EEXISTS, engine.DcpAddStream(cookie, 2, 3, 0))

	// a second consumer is rejected too
	cookie2 := "cookie-c2"
	require.Equal(t, transport.SUCCESS, engine.DcpOpen(cookie2, "n2", 0))
	require.Equal(t, transport.KEY_EEXISTS, engine.DcpAddStream(cookie2, 3, 3, 0))
}

// Creating a consumer with a name already in use evicts the old
// connection: exactly one live consumer remains and the first is
// observably disconnected.
func TestSameNameEviction(t *testing.T) {
	engine, ctx := newTestEngine(t, nil)
	cm := engine.ConnMap()

	first := cm.NewConsumer("cookie-1", "dup-name")
	second := cm.NewConsumer("cookie-2", "dup-name")

	require.True(t, first.DoDisconnect())
	require.False(t, second.DoDisconnect())

	cm.connsLock.Lock()
	count := 0
	for _, conn := range cm.all {
		if conn.Name() == DcpNamePrefix+"dup-name" {
			count++
		}
	}
	cm.connsLock.Unlock()
	require.Equal(t, 1, count, "exactly one live connection for the name")

	// the evicted connection is reclaimed through the dead list once
	// its cookie disconnects, within one sweep
	cm.Disconnect("cookie-1")
	cm.ManageConnections()
	require.Equal(t, 1, ctx.releaseCount("cookie-1"))

	cm.connsLock.Lock()
	deadLen := len(cm.deadConnections)
	cm.connsLock.Unlock()
	require.Equal(t, 0, deadLen)
}

// Scenario: shutdown closes every stream, releases each connection
// exactly once, and leaves all registry tables and the per-vbucket
// index empty.
func TestShutdownOrdering(t *testing.T) {
	engine, ctx := newTestEngine(t, nil)
	cm := engine.ConnMap()
	for vb := uint16(0); vb < 2; vb++ {
		engine.SetVBucketState(vb, transport.VbActive, false)
	}
	engine.SetVBucketState(2, transport.VbReplica, false)

	// two producers on vbs 0 and 1, one consumer on vb 2
	require.Equal(t, transport.SUCCESS, engine.DcpOpen("p1", "prod-1", OpenFlagProducer))
	require.Equal(t, transport.SUCCESS,
		engine.DcpStreamReq("p1", 0, 1, 0, 0, math.MaxUint64, 0, 0, 0))
	require.Equal(t, transport.SUCCESS, engine.DcpOpen("p2", "prod-2", OpenFlagProducer))
	require.Equal(t, transport.SUCCESS,
		engine.DcpStreamReq("p2", 0, 2, 1, 0, math.MaxUint64, 0, 0, 0))
	require.Equal(t, transport.SUCCESS, engine.DcpOpen("c1", "cons-1", 0))
	require.Equal(t, transport.SUCCESS, engine.DcpAddStream("c1", 3, 2, 0))

	p1 := engine.producerForCookie("p1")
	p2 := engine.producerForCookie("p2")
	c1 := engine.consumerForCookie("c1")

	cm.ShutdownAllConnections()

	// (a) every stream closed
	require.Empty(t, p1.VBVector())
	require.Empty(t, p2.VBVector())
	require.False(t, c1.IsStreamPresent(2))

	// (b) exactly one release per connection
	for _, cookie := range []string{"p1", "p2", "c1"} {
		require.Equal(t, 1, ctx.releaseCount(cookie), "cookie %v", cookie)
	}

	// (c) registry tables empty
	cm.connsLock.Lock()
	require.Empty(t, cm.all)
	require.Empty(t, cm.byCookie)
	require.Empty(t, cm.deadConnections)
	cm.connsLock.Unlock()

	// (d) per-vbucket index empty
	for vb := range cm.vbConns {
		lockNum := vb % vbConnLockNum
		cm.vbConnLocks[lockNum].Lock()
		require.Empty(t, cm.vbConns[vb], "vbConns[%d]", vb)
		cm.vbConnLocks[lockNum].Unlock()
	}
}

// Invariant: adding then closing N passive streams for N distinct
// vbuckets leaves every vbConns entry empty.
func TestVBConnIndexDrained(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	cm := engine.ConnMap()
	for vb := uint16(0); vb < 5; vb++ {
		engine.SetVBucketState(vb, transport.VbReplica, false)
	}

	cookie := "cookie-idx"
	require.Equal(t, transport.SUCCESS, engine.DcpOpen(cookie, "idx", 0))
	consumer := engine.consumerForCookie(cookie)

	for vb := uint16(0); vb < 5; vb++ {
		require.Equal(t, transport.SUCCESS, engine.DcpAddStream(cookie, 1, vb, 0))
	}
	for vb := uint16(0); vb < 5; vb++ {
		require.Equal(t, transport.SUCCESS, consumer.CloseStream(vb))
	}

	for vb := range cm.vbConns {
		lockNum := vb % vbConnLockNum
		cm.vbConnLocks[lockNum].Lock()
		require.Empty(t, cm.vbConns[vb], "vbConns[%d]", vb)
		cm.vbConnLocks[lockNum].Unlock()
	}
}

// Scenario: a saturated, idle stream is evicted as slow and the peer
// sees a Slow stream-end.
func TestCloseSlowStream(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	cm := engine.ConnMap()
	engine.SetVBucketState(7, transport.VbActive, false)

	for i := 0; i < 3; i++ {
		_, status := engine.Mutate(7, []byte{byte('a' + i)}, []byte("value"))
		require.Equal(t, transport.SUCCESS, status)
	}

	cookie := "cookie-slow"
	require.Equal(t, transport.SUCCESS, engine.DcpOpen(cookie, "x", OpenFlagProducer))
	producer := engine.producerForCookie(cookie)
	require.Equal(t, transport.SUCCESS,
		engine.DcpStreamReq(cookie, 0, 11, 7, 0, math.MaxUint64, 0, 0, 0))

	producer.streamsMu.Lock()
	stream := producer.streams[7]
	producer.streamsMu.Unlock()

	// wait for the checkpoint processor to fill the ready queue past
	// the (test sized) slow threshold without anything draining it
	waitFor(t, "ready queue filled", func() bool {
		return stream.ReadyQueueMemory() > 0
	})

	require.True(t, cm.CloseSlowStream(7, producer.Name()))
	require.Equal(t, StreamDead, stream.State())

	resp := stream.Next()
	require.NotNil(t, resp)
	end, ok := resp.(*StreamEndResponse)
	require.True(t, ok, "expected a stream end, got %T", resp)
	require.Equal(t, transport.END_STREAM_SLOW, end.Status)

	// nothing else qualifies afterwards
	require.False(t, cm.CloseSlowStream(7, producer.Name()))
}

// The vbucket-state sweep kills producer streams and, when asked,
// inbound passive streams too.
func TestVbucketStateChanged(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	engine.SetVBucketState(1, transport.VbActive, false)

	cookie := "cookie-state"
	require.Equal(t, transport.SUCCESS, engine.DcpOpen(cookie, "st", OpenFlagProducer))
	producer := engine.producerForCookie(cookie)
	require.Equal(t, transport.SUCCESS,
		engine.DcpStreamReq(cookie, 0, 1, 1, 0, math.MaxUint64, 0, 0, 0))

	producer.streamsMu.Lock()
	stream := producer.streams[1]
	producer.streamsMu.Unlock()

	engine.SetVBucketState(1, transport.VbReplica, false)
	require.Equal(t, StreamDead, stream.State())

	got := drainProducer(producer, 8)
	var end *StreamEndResponse
	for _, resp := range got {
		if e, ok := resp.(*StreamEndResponse); ok {
			end = e
		}
	}
	require.NotNil(t, end, "got %v", describe(got))
	require.Equal(t, transport.END_STREAM_STATE, end.Status)
}

// The sweep notifies paused reserved connections and finalizes dead
// ones.
func TestManageConnectionsNotifiesPaused(t *testing.T) {
	engine, ctx := newTestEngine(t, nil)
	cm := engine.ConnMap()
	engine.SetVBucketState(1, transport.VbActive, false)

	cookie := "cookie-paused"
	require.Equal(t, transport.SUCCESS, engine.DcpOpen(cookie, "pause", OpenFlagProducer))
	producer := engine.producerForCookie(cookie)

	// an empty walk leaves the connection paused
	require.Nil(t, producer.Next())
	require.True(t, producer.IsPaused())

	before := ctx.ioCompleteCount(cookie)
	cm.ManageConnections()
	require.Greater(t, ctx.ioCompleteCount(cookie), before)
	require.True(t, producer.SentNotify())

	// already notified and recently walked: no duplicate notify
	count := ctx.ioCompleteCount(cookie)
	cm.ManageConnections()
	require.Equal(t, count, ctx.ioCompleteCount(cookie))
}

// Disconnect tears streams down synchronously and parks the connection
// on the dead list for the sweep.
func TestDisconnectLifecycle(t *testing.T) {
	engine, ctx := newTestEngine(t, nil)
	cm := engine.ConnMap()
	engine.SetVBucketState(1, transport.VbActive, false)

	cookie := "cookie-disc"
	require.Equal(t, transport.SUCCESS, engine.DcpOpen(cookie, "disc", OpenFlagProducer))
	producer := engine.producerForCookie(cookie)
	require.Equal(t, transport.SUCCESS,
		engine.DcpStreamReq(cookie, 0, 1, 1, 0, math.MaxUint64, 0, 0, 0))

	cm.Disconnect(cookie)

	require.True(t, producer.DoDisconnect())
	require.Empty(t, producer.VBVector())

	cm.connsLock.Lock()
	deadLen := len(cm.deadConnections)
	cm.connsLock.Unlock()
	require.Equal(t, 1, deadLen)

	cm.ManageConnections()
	require.Equal(t, 1, ctx.releaseCount(cookie))

	cm.connsLock.Lock()
	deadLen = len(cm.deadConnections)
	cm.connsLock.Unlock()
	require.Equal(t, 0, deadLen)
}
