package dcp

import (
	"math"
	"testing"

	"github.com/couchbase/dcpcore/transport"
	"github.com/stretchr/testify/require"
)

// Each vbucket appears at most once in the processor work queue, no
// matter how often it is scheduled.
func TestCheckpointProcessorDedup(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	engine.SetVBucketState(1, transport.VbActive, false)
	engine.SetVBucketState(2, transport.VbActive, false)

	cookie := "cookie-ckpt"
	require.Equal(t, transport.SUCCESS,
		engine.DcpOpen(cookie, "ckpt", OpenFlagProducer))
	producer := engine.producerForCookie(cookie)

	task := producer.checkpointTask
	// park the runner so pushes accumulate deterministically
	task.cancel()

	chkMgr1, _ := engine.VBuckets().CheckpointManager(1)
	chkMgr2, _ := engine.VBuckets().CheckpointManager(2)
	s1 := newActiveStream(producer, chkMgr1, producer.Name(), 0, 1, 1,
		0, math.MaxUint64, 0, 0, 0)
	s2 := newActiveStream(producer, chkMgr2, producer.Name(), 0, 2, 2,
		0, math.MaxUint64, 0, 0, 0)

	task.pushUnique(s1)
	task.pushUnique(s1)
	task.pushUnique(s1)
	require.Equal(t, 1, task.queueSize())

	task.pushUnique(s2)
	require.Equal(t, 2, task.queueSize())

	// popping erases the vbucket from the dedup set, so it can be
	// queued again
	popped := task.queuePop()
	require.Equal(t, uint16(1), popped.VBucket())
	task.pushUnique(s1)
	require.Equal(t, 2, task.queueSize())

	task.clearQueues()
	require.Equal(t, 0, task.queueSize())
	require.Nil(t, task.queuePop())
}
