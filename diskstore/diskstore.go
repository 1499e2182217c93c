// Package diskstore is a bbolt backed seqno index providing the
// backfill scan API. One bucket per vbucket keyed by big-endian
// seqno, so range scans walk in seqno order for free.

package diskstore

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/couchbase/dcpcore/dcp"
	"github.com/couchbase/dcpcore/logging"
	bolt "go.etcd.io/bbolt"
)

// Store implements dcp.BackfillStore over a single bbolt file.
type Store struct {
	db        *bolt.DB
	logPrefix string
}

// Open creates or opens the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, os.FileMode(0600), nil)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:        db,
		logPrefix: fmt.Sprintf("DSTR[%v]", path),
	}
	logging.Infof("%v store opened", s.logPrefix)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func vbBucketName(vb uint16) []byte {
	name := make([]byte, 5)
	copy(name, "vb-")
	binary.BigEndian.PutUint16(name[3:], vb)
	return name
}

func seqnoKey(seqno uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seqno)
	return key
}

// Persist writes a batch of items for a vbucket in one transaction.
// The flusher path calls this as checkpoints close.
func (s *Store) Persist(vb uint16, items []*dcp.Item) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(vbBucketName(vb))
		if err != nil {
			return err
		}
		for _, itm := range items {
			if err := bucket.Put(seqnoKey(itm.BySeqno), encodeItem(itm)); err != nil {
				return err
			}
		}
		return nil
	})
}

// HighSeqno is the largest persisted seqno for the vbucket.
func (s *Store) HighSeqno(vb uint16) (uint64, error) {
	var high uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(vbBucketName(vb))
		if bucket == nil {
			return nil
		}
		cur := bucket.Cursor()
		if key, _ := cur.Last(); key != nil {
			high = binary.BigEndian.Uint64(key)
		}
		return nil
	})
	return high, err
}

// NumItems counts the items a scan of [startSeqno, endSeqno] would
// visit.
func (s *Store) NumItems(vb uint16, startSeqno, endSeqno uint64) (uint64, error) {
	var count uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(vbBucketName(vb))
		if bucket == nil {
			return nil
		}
		cur := bucket.Cursor()
		for key, _ := cur.Seek(seqnoKey(startSeqno)); key != nil; key, _ = cur.Next() {
			if binary.BigEndian.Uint64(key) > endSeqno {
				break
			}
			count++
		}
		return nil
	})
	return count, err
}

// Scan visits items of vb in [startSeqno, endSeqno] in seqno order,
// announcing the snapshot range before the first item. Returns
// dcp.ErrScanPaused when the visitor stopped accepting; callers resume
// from past the last accepted seqno.
func (s *Store) Scan(vb uint16, startSeqno, endSeqno uint64,
	visitor dcp.BackfillVisitor) error {

	var scanEnd uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(vbBucketName(vb))
		if bucket == nil {
			return nil
		}

		cur := bucket.Cursor()
		if key, _ := cur.Last(); key != nil {
			scanEnd = binary.BigEndian.Uint64(key)
		}
		if scanEnd > endSeqno {
			scanEnd = endSeqno
		}
		if scanEnd < startSeqno {
			return nil
		}
		visitor.MarkDiskSnapshot(startSeqno, scanEnd)

		for key, value := cur.Seek(seqnoKey(startSeqno)); key != nil; key, value = cur.Next() {
			if binary.BigEndian.Uint64(key) > endSeqno {
				break
			}
			itm, err := decodeItem(value)
			if err != nil {
				return err
			}
			itm.VBucket = vb
			if !visitor.BackfillReceived(itm, dcp.BackfillFromDisk) {
				return dcp.ErrScanPaused
			}
		}
		return nil
	})
	if err != nil && err != dcp.ErrScanPaused {
		logging.Errorf("%v scan vb %d [%v, %v]: %v",
			s.logPrefix, vb, startSeqno, endSeqno, err)
	}
	return err
}
