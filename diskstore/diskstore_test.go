package diskstore

import (
	"path/filepath"
	"testing"

	"github.com/couchbase/dcpcore/dcp"
	"github.com/stretchr/testify/require"
)

type recordingVisitor struct {
	markers [][2]uint64
	seqnos  []uint64
	// stop accepting after this many items; 0 means never stop
	acceptLimit int
}

func (v *recordingVisitor) MarkDiskSnapshot(start, end uint64) {
	v.markers = append(v.markers, [2]uint64{start, end})
}

func (v *recordingVisitor) BackfillReceived(itm *dcp.Item, source dcp.BackfillSource) bool {
	if v.acceptLimit > 0 && len(v.seqnos) >= v.acceptLimit {
		return false
	}
	v.seqnos = append(v.seqnos, itm.BySeqno)
	return true
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func persistSeqnos(t *testing.T, store *Store, vb uint16, seqnos ...uint64) {
	t.Helper()
	var items []*dcp.Item
	for _, seqno := range seqnos {
		items = append(items, &dcp.Item{
			Key:     []byte{byte(seqno)},
			Value:   []byte("value"),
			BySeqno: seqno,
		})
	}
	require.NoError(t, store.Persist(vb, items))
}

// Scans walk in seqno order, announce the snapshot range first and
// honour the requested window.
func TestScanOrderAndWindow(t *testing.T) {
	store := openTestStore(t)
	persistSeqnos(t, store, 3, 5, 1, 9, 3, 7) // out of order persist

	v := &recordingVisitor{}
	require.NoError(t, store.Scan(3, 3, 7, v))
	require.Equal(t, [][2]uint64{{3, 7}}, v.markers)
	require.Equal(t, []uint64{3, 5, 7}, v.seqnos)

	high, err := store.HighSeqno(3)
	require.NoError(t, err)
	require.Equal(t, uint64(9), high)

	count, err := store.NumItems(3, 2, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)
}

// The snapshot end is clamped to the highest persisted seqno.
func TestScanClampsSnapshotEnd(t *testing.T) {
	store := openTestStore(t)
	persistSeqnos(t, store, 1, 1, 2, 3)

	v := &recordingVisitor{}
	require.NoError(t, store.Scan(1, 1, 100, v))
	require.Equal(t, [][2]uint64{{1, 3}}, v.markers)
	require.Equal(t, []uint64{1, 2, 3}, v.seqnos)
}

// An empty or out-of-range window produces no marker and no items.
func TestScanEmptyWindow(t *testing.T) {
	store := openTestStore(t)
	persistSeqnos(t, store, 1, 1, 2)

	v := &recordingVisitor{}
	require.NoError(t, store.Scan(1, 5, 10, v))
	require.Empty(t, v.markers)
	require.Empty(t, v.seqnos)

	// unknown vbucket behaves the same
	require.NoError(t, store.Scan(7, 0, 10, v))
	require.Empty(t, v.seqnos)
}

// A visitor refusing an item pauses the scan; resuming past the last
// accepted seqno completes it.
func TestScanPauseResume(t *testing.T) {
	store := openTestStore(t)
	persistSeqnos(t, store, 2, 1, 2, 3, 4)

	v := &recordingVisitor{acceptLimit: 2}
	err := store.Scan(2, 1, 4, v)
	require.Equal(t, dcp.ErrScanPaused, err)
	require.Equal(t, []uint64{1, 2}, v.seqnos)

	v.acceptLimit = 0
	require.NoError(t, store.Scan(2, 3, 4, v))
	require.Equal(t, []uint64{1, 2, 3, 4}, v.seqnos)
}

// Items survive the trip through the store intact.
func TestPersistPreservesItemFields(t *testing.T) {
	store := openTestStore(t)
	in := &dcp.Item{
		Key:        []byte("the-key"),
		Value:      []byte("the-value"),
		BySeqno:    42,
		RevSeqno:   7,
		Cas:        0xdeadbeef,
		Flags:      0x10,
		Expiration: 3600,
		LockTime:   5,
		Datatype:   dcp.DatatypeJSON,
		Deleted:    true,
	}
	require.NoError(t, store.Persist(4, []*dcp.Item{in}))

	var out *dcp.Item
	err := store.Scan(4, 0, 100, visitorFunc(func(itm *dcp.Item) bool {
		out = itm
		return true
	}))
	require.NoError(t, err)
	require.NotNil(t, out)

	require.Equal(t, in.Key, out.Key)
	require.Equal(t, in.Value, out.Value)
	require.Equal(t, in.BySeqno, out.BySeqno)
	require.Equal(t, in.RevSeqno, out.RevSeqno)
	require.Equal(t, in.Cas, out.Cas)
	require.Equal(t, in.Flags, out.Flags)
	require.Equal(t, in.Expiration, out.Expiration)
	require.Equal(t, in.LockTime, out.LockTime)
	require.Equal(t, in.Datatype, out.Datatype)
	require.Equal(t, in.Deleted, out.Deleted)
	require.Equal(t, uint16(4), out.VBucket)
}

type visitorFunc func(itm *dcp.Item) bool

func (f visitorFunc) MarkDiskSnapshot(start, end uint64) {}

func (f visitorFunc) BackfillReceived(itm *dcp.Item, source dcp.BackfillSource) bool {
	return f(itm)
}
