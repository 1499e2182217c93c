package diskstore

import (
	"encoding/binary"
	"errors"

	"github.com/couchbase/dcpcore/dcp"
)

var errShortValue = errors.New("diskstore.shortValue")

// item encoding, fixed header then key and value:
//   seqno(8) revSeqno(8) cas(8) flags(4) expiration(4) lockTime(4)
//   datatype(1) deleted(1) keyLen(2) valueLen(4) key value
const itemHdrLen = 8 + 8 + 8 + 4 + 4 + 4 + 1 + 1 + 2 + 4

func encodeItem(itm *dcp.Item) []byte {
	buf := make([]byte, itemHdrLen+len(itm.Key)+len(itm.Value))
	binary.BigEndian.PutUint64(buf[0:8], itm.BySeqno)
	binary.BigEndian.PutUint64(buf[8:16], itm.RevSeqno)
	binary.BigEndian.PutUint64(buf[16:24], itm.Cas)
	binary.BigEndian.PutUint32(buf[24:28], itm.Flags)
	binary.BigEndian.PutUint32(buf[28:32], itm.Expiration)
	binary.BigEndian.PutUint32(buf[32:36], itm.LockTime)
	buf[36] = itm.Datatype
	if itm.Deleted {
		buf[37] = 1
	}
	binary.BigEndian.PutUint16(buf[38:40], uint16(len(itm.Key)))
	binary.BigEndian.PutUint32(buf[40:44], uint32(len(itm.Value)))
	copy(buf[itemHdrLen:], itm.Key)
	copy(buf[itemHdrLen+len(itm.Key):], itm.Value)
	return buf
}

func decodeItem(buf []byte) (*dcp.Item, error) {
	if len(buf) < itemHdrLen {
		return nil, errShortValue
	}
	keyLen := int(binary.BigEndian.Uint16(buf[38:40]))
	valueLen := int(binary.BigEndian.Uint32(buf[40:44]))
	if len(buf) != itemHdrLen+keyLen+valueLen {
		return nil, errShortValue
	}

	itm := &dcp.Item{
		BySeqno:    binary.BigEndian.Uint64(buf[0:8]),
		RevSeqno:   binary.BigEndian.Uint64(buf[8:16]),
		Cas:        binary.BigEndian.Uint64(buf[16:24]),
		Flags:      binary.BigEndian.Uint32(buf[24:28]),
		Expiration: binary.BigEndian.Uint32(buf[28:32]),
		LockTime:   binary.BigEndian.Uint32(buf[32:36]),
		Datatype:   buf[36],
		Deleted:    buf[37] == 1,
	}
	itm.Key = make([]byte, keyLen)
	copy(itm.Key, buf[itemHdrLen:itemHdrLen+keyLen])
	itm.Value = make([]byte, valueLen)
	copy(itm.Value, buf[itemHdrLen+keyLen:])
	return itm, nil
}
