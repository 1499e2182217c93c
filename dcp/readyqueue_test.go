package dcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// The byte counter must equal the sum of the sizes of queued messages
// at every instant, across any interleaving of pushes and pops.
func TestReadyQueueByteAccounting(t *testing.T) {
	q := &readyQueue{}

	expect := func() uint64 {
		total := uint64(0)
		for _, resp := range q.fifo {
			total += uint64(resp.Size())
		}
		return total
	}

	messages := []DcpResponse{
		&SnapshotMarker{StartSeqno: 1, EndSeqno: 3},
		&MutationResponse{Item: &Item{Key: []byte("a"), Value: []byte("xyz"), BySeqno: 1}},
		&MutationResponse{Item: &Item{Key: []byte("bb"), BySeqno: 2, Deleted: true}},
		&StreamEndResponse{},
		&MutationResponse{Item: &Item{Key: []byte("ccc"), Value: make([]byte, 100), BySeqno: 3}},
	}

	for i, resp := range messages {
		q.push(resp)
		require.Equal(t, expect(), q.memory(), "after push %d", i)
	}
	require.Equal(t, len(messages), q.size())

	q.pop()
	q.pop()
	require.Equal(t, expect(), q.memory(), "after pops")

	q.push(messages[0])
	require.Equal(t, expect(), q.memory())

	for q.pop() != nil {
	}
	require.Equal(t, uint64(0), q.memory())
	require.True(t, q.empty())
}

func TestReadyQueueClear(t *testing.T) {
	q := &readyQueue{}
	q.push(&SnapshotMarker{})
	q.push(&StreamEndResponse{})

	freed := q.clear()
	require.Equal(t, uint64(markerBaseMsgBytes+streamEndBaseMsgBytes), freed)
	require.Equal(t, uint64(0), q.memory())
	require.Nil(t, q.pop())
}
