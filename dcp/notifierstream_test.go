package dcp

import (
	"testing"

	"github.com/couchbase/dcpcore/transport"
	"github.com/stretchr/testify/require"
)

// A notifier stream carries no items: it enqueues a single stream-end
// once the watched seqno becomes reachable.
func TestNotifierStreamCompletion(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	engine.SetVBucketState(1, transport.VbActive, false)

	cookie := "cookie-notifier"
	require.Equal(t, transport.SUCCESS,
		engine.DcpOpen(cookie, "notifier", OpenFlagProducer|OpenFlagNotifier))
	producer := engine.producerForCookie(cookie)
	require.Equal(t, transport.SUCCESS,
		engine.DcpStreamReq(cookie, 0, 9, 1, 0, 50, 0, 0, 0))

	producer.streamsMu.Lock()
	stream := producer.streams[1]
	producer.streamsMu.Unlock()
	require.IsType(t, &NotifierStream{}, stream)

	stream.NotifySeqnoAvailable(49)
	require.True(t, stream.IsActive())
	require.Nil(t, stream.Next(), "no message before the end seqno is reached")

	stream.NotifySeqnoAvailable(50)
	require.Equal(t, StreamDead, stream.State())

	resp := stream.Next()
	require.NotNil(t, resp)
	end, ok := resp.(*StreamEndResponse)
	require.True(t, ok)
	require.Equal(t, transport.END_STREAM_OK, end.Status)

	require.Nil(t, stream.Next(), "exactly one message")

	// later notifications are ignored once dead
	stream.NotifySeqnoAvailable(51)
	require.Nil(t, stream.Next())
}
