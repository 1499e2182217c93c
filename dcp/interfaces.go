package dcp

import (
	"errors"

	"github.com/couchbase/dcpcore/transport"
)

// EngineContext is the surface of the server/network layer the core
// consumes: completion callbacks, per-cookie state and the reserved
// reference counting primitives.
type EngineContext interface {
	NotifyIOComplete(cookie interface{}, status transport.Status)
	ReserveCookie(cookie interface{})
	ReleaseCookie(cookie interface{})
	GetEngineSpecific(cookie interface{}) interface{}
	SetEngineSpecific(cookie interface{}, data interface{})
}

// CheckpointManager is the cursor API of a vbucket's in-memory write
// log, consumed by active streams through the checkpoint processor.
type CheckpointManager interface {
	// RegisterCursor positions a named cursor so that the first item
	// it serves has seqno greater than startSeqno, clamped to the
	// oldest retained seqno. Returns the seqno the cursor will serve
	// from; a gap between startSeqno+1 and the return value must be
	// backfilled from disk.
	RegisterCursor(name string, startSeqno uint64) uint64

	RemoveCursor(name string)

	// GetItemsForCursor drains up to limit queued items (all of them
	// when limit < 0). The boolean reports whether the batch opens a
	// new checkpoint.
	GetItemsForCursor(name string, limit int) ([]*Item, bool)

	ItemsRemaining(name string) int

	HighSeqno() uint64
}

// ReplicaApplier is the per-vbucket apply target of a passive stream.
type ReplicaApplier interface {
	ApplyMutation(itm *Item) transport.Status
	ApplyDeletion(itm *Item) transport.Status
	SetSnapshotRange(start, end uint64, flags uint32)
	// CommitDiskSnapshot persists a checkpoint boundary once a disk
	// snapshot has been fully applied.
	CommitDiskSnapshot(end uint64)
	SetVBucketState(state transport.VbState)
	HighSeqno() uint64
}

// VBucketProvider resolves per-vbucket collaborators for producers and
// consumers.
type VBucketProvider interface {
	CheckpointManager(vb uint16) (CheckpointManager, bool)
	Applier(vb uint16) (ReplicaApplier, bool)
	State(vb uint16) transport.VbState
	UUID(vb uint16) uint64
	HighSeqno(vb uint16) uint64
	NumVBuckets() int
}

// ErrScanPaused is returned by BackfillStore.Scan when the visitor
// stopped accepting items; the backfill task resumes the scan after
// the stream drains.
var ErrScanPaused = errors.New("dcp.scanPaused")

// BackfillVisitor receives the items of a disk scan in seqno order.
// ActiveStream implements it.
type BackfillVisitor interface {
	// MarkDiskSnapshot is invoked once before the first item with the
	// snapshot range the scan will deliver.
	MarkDiskSnapshot(startSeqno, endSeqno uint64)

	// BackfillReceived accepts one item; returning false pauses the
	// scan (buffer full or stream dead).
	BackfillReceived(itm *Item, source BackfillSource) bool
}

// BackfillStore is the scan API of the on-disk storage engine.
type BackfillStore interface {
	// Scan visits items of vb in [startSeqno, endSeqno] in order,
	// returning ErrScanPaused if the visitor stopped accepting.
	Scan(vb uint16, startSeqno, endSeqno uint64, visitor BackfillVisitor) error

	// NumItems reports how many items a scan of the range would
	// visit, feeding the backfill-remaining stat.
	NumItems(vb uint16, startSeqno, endSeqno uint64) (uint64, error)

	HighSeqno(vb uint16) (uint64, error)
}
