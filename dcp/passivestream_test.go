package dcp

import (
	"testing"

	"github.com/couchbase/dcpcore/transport"
	"github.com/stretchr/testify/require"
)

func openConsumerStream(t *testing.T, engine *Engine, cookie interface{},
	name string, vb uint16) (*Consumer, *PassiveStream) {

	t.Helper()
	require.Equal(t, transport.SUCCESS, engine.DcpOpen(cookie, name, 0))
	consumer := engine.consumerForCookie(cookie)
	require.NotNil(t, consumer)
	require.Equal(t, transport.SUCCESS, engine.DcpAddStream(cookie, 1, vb, 0))

	consumer.mu.Lock()
	stream := consumer.streams[vb]
	consumer.mu.Unlock()
	require.NotNil(t, stream)
	return consumer, stream
}

func feedMarker(t *testing.T, c *Consumer, s *PassiveStream,
	start, end uint64, flags uint32) {

	t.Helper()
	require.Equal(t, transport.SUCCESS,
		c.SnapshotMarker(s.Opaque(), s.VBucket(), start, end, flags))
}

func feedMutation(t *testing.T, c *Consumer, s *PassiveStream,
	seqno uint64, key string) {

	t.Helper()
	itm := &Item{Key: []byte(key), Value: []byte("v"), BySeqno: seqno,
		VBucket: s.VBucket()}
	require.Equal(t, transport.SUCCESS, c.Mutation(s.Opaque(), itm))
}

func appliedSeqnos(vb *VBucket) []uint64 {
	var out []uint64
	for _, itm := range vb.Log() {
		out = append(out, itm.BySeqno)
	}
	return out
}

// Memory snapshot: mutations land on the replica in order; the
// snapshot closes when its end seqno is applied.
func TestPassiveStreamApplyMemorySnapshot(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	engine.SetVBucketState(2, transport.VbReplica, false)
	consumer, stream := openConsumerStream(t, engine, "cookie-pas", "pas", 2)

	vb := engine.VBuckets().VBucket(2)

	feedMarker(t, consumer, stream, 10, 20, transport.MARKER_FLAG_MEMORY)
	feedMutation(t, consumer, stream, 15, "a")
	feedMutation(t, consumer, stream, 20, "b")

	waitFor(t, "mutations applied", func() bool {
		return vb.HighSeqno() == 20
	})
	require.Equal(t, []uint64{15, 20}, appliedSeqnos(vb))
	require.Equal(t, uint64(20), stream.lastSeqno.Value())
	require.Equal(t, snapshotNone, stream.curSnapshotType.Value(),
		"snapshot must be closed after its end seqno")
}

// Round-trip law: the replica log after receiving a stream in one
// batch equals the log after the same stream split at any point.
func TestPassiveStreamBatchSplitEquivalence(t *testing.T) {
	feed := func(t *testing.T, pauseAfter int) []uint64 {
		engine, _ := newTestEngine(t, nil)
		engine.SetVBucketState(2, transport.VbReplica, false)
		consumer, stream := openConsumerStream(t, engine, "cookie-split", "split", 2)
		vb := engine.VBuckets().VBucket(2)

		type msg func()
		msgs := []msg{
			func() { feedMarker(t, consumer, stream, 10, 20, transport.MARKER_FLAG_MEMORY) },
			func() { feedMutation(t, consumer, stream, 15, "a") },
			func() { feedMutation(t, consumer, stream, 20, "b") },
		}
		for i, deliver := range msgs {
			if i == pauseAfter {
				// force the remainder through the buffered path
				vb.SetApplyBackpressure(1)
			}
			deliver()
		}
		waitFor(t, "applies drained", func() bool {
			return vb.HighSeqno() == 20
		})
		return appliedSeqnos(vb)
	}

	want := feed(t, -1)
	for split := 0; split < 3; split++ {
		require.Equal(t, want, feed(t, split), "split at %d", split)
	}
}

// Disk snapshots persist a checkpoint boundary once fully applied.
func TestPassiveStreamDiskSnapshotCommit(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	engine.SetVBucketState(3, transport.VbReplica, false)
	consumer, stream := openConsumerStream(t, engine, "cookie-disk", "disk", 3)
	vb := engine.VBuckets().VBucket(3)

	feedMarker(t, consumer, stream, 1, 2, transport.MARKER_FLAG_DISK)
	feedMutation(t, consumer, stream, 1, "a")
	require.Equal(t, uint64(0), vb.PersistedSeqno(),
		"no commit before the snapshot end")
	feedMutation(t, consumer, stream, 2, "b")

	waitFor(t, "disk snapshot committed", func() bool {
		return vb.PersistedSeqno() == 2
	})
}

// A marker carrying the ack flag produces exactly one ack response
// when the snapshot completes.
func TestPassiveStreamMarkerAck(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	engine.SetVBucketState(2, transport.VbReplica, false)
	consumer, stream := openConsumerStream(t, engine, "cookie-ack", "ack", 2)

	// drain the initial stream request
	for consumer.Next() != nil {
	}

	feedMarker(t, consumer, stream, 1, 1,
		transport.MARKER_FLAG_MEMORY|transport.MARKER_FLAG_ACK)
	feedMutation(t, consumer, stream, 1, "a")

	waitFor(t, "marker ack queued", func() bool {
		return stream.ReadyQueueMemory() > 0
	})
	resp := stream.Next()
	_, ok := resp.(*SnapshotMarkerAck)
	require.True(t, ok, "expected a marker ack, got %T", resp)
	require.Nil(t, stream.Next(), "exactly one ack")
}

// Engine backpressure re-queues the message at the buffer head and the
// processor retries it; order is preserved.
func TestPassiveStreamCannotProcessRetry(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	engine.SetVBucketState(2, transport.VbReplica, false)
	consumer, stream := openConsumerStream(t, engine, "cookie-retry", "retry", 2)
	vb := engine.VBuckets().VBucket(2)

	feedMarker(t, consumer, stream, 1, 3, transport.MARKER_FLAG_MEMORY)
	vb.SetApplyBackpressure(2)
	feedMutation(t, consumer, stream, 1, "a")
	feedMutation(t, consumer, stream, 2, "b")
	feedMutation(t, consumer, stream, 3, "c")

	waitFor(t, "all retried and applied", func() bool {
		return vb.HighSeqno() == 3
	})
	require.Equal(t, []uint64{1, 2, 3}, appliedSeqnos(vb))
}

// Sustained cannot-process escalates: the stream is ended as slow once
// the processor budget is exhausted.
func TestPassiveStreamStuckEscalation(t *testing.T) {
	ctx := newFakeServerContext()
	config := testConfig()
	config.SetValue("dcp.consumerProcessorBudget", 2)
	engine := NewEngine(ctx, nil, config)
	t.Cleanup(engine.Shutdown)

	engine.SetVBucketState(2, transport.VbReplica, false)
	consumer, stream := openConsumerStream(t, engine, "cookie-stuck", "stuck", 2)
	vb := engine.VBuckets().VBucket(2)

	feedMarker(t, consumer, stream, 1, 1, transport.MARKER_FLAG_MEMORY)
	vb.SetApplyBackpressure(1 << 30)
	feedMutation(t, consumer, stream, 1, "a")

	waitFor(t, "stream ended as slow", func() bool {
		return !stream.IsActive()
	})
	require.False(t, consumer.IsStreamPresent(2))
}

// Reconnect resets the stream position and drops buffered messages.
func TestPassiveStreamReconnect(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	engine.SetVBucketState(2, transport.VbReplica, false)
	consumer, stream := openConsumerStream(t, engine, "cookie-rec", "rec", 2)
	vb := engine.VBuckets().VBucket(2)

	feedMarker(t, consumer, stream, 1, 2, transport.MARKER_FLAG_MEMORY)
	feedMutation(t, consumer, stream, 1, "a")
	waitFor(t, "first apply", func() bool { return vb.HighSeqno() == 1 })

	require.Equal(t, transport.SUCCESS, consumer.ReconnectStream(2, 99, 1))
	require.Equal(t, uint32(99), stream.Opaque())
	require.Equal(t, uint64(1), stream.lastSeqno.Value())
	require.Equal(t, StreamPending, stream.State())

	// the reconnect queues a fresh stream request
	waitFor(t, "stream request queued", func() bool {
		return stream.ReadyQueueMemory() > 0
	})
	var req *StreamReqResponse
	for {
		resp := stream.Next()
		if resp == nil {
			break
		}
		if r, ok := resp.(*StreamReqResponse); ok {
			req = r
		}
	}
	require.NotNil(t, req)
	require.Equal(t, uint64(1), req.StartSeqno)
}
