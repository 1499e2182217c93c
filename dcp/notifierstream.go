package dcp

import (
	"fmt"

	"github.com/couchbase/dcpcore/logging"
	"github.com/couchbase/dcpcore/transport"
)

// NotifierStream carries no items. It only waits for the requested end
// seqno to become reachable, then signals completion with a single
// stream-end message.
type NotifierStream struct {
	streamBase
	producer *Producer
}

func newNotifierStream(
	producer *Producer, name string, flags, opaque uint32, vb uint16,
	startSeqno, endSeqno, vbuuid, snapStart, snapEnd uint64) *NotifierStream {

	s := &NotifierStream{producer: producer}
	prefix := fmt.Sprintf("DCPN[%v ##%x vb:%d]", name, opaque, vb)
	s.initBase(StreamTypeNotifier, name, flags, opaque, vb,
		startSeqno, endSeqno, vbuuid, snapStart, snapEnd, prefix)
	s.setState(StreamReading)
	return s
}

func (s *NotifierStream) Next() DcpResponse {
	s.mu.Lock()
	resp := s.popFromReadyQ()
	s.itemsReady.Set(!s.readyQ.empty())
	s.mu.Unlock()
	return resp
}

// NotifySeqnoAvailable ends the stream once the watched seqno is
// reachable.
func (s *NotifierStream) NotifySeqnoAvailable(seqno uint64) {
	s.mu.Lock()
	notify := false
	if s.State() == StreamReading && seqno >= s.endSeqno {
		s.pushToReadyQ(&StreamEndResponse{
			Opaque:  s.opaque,
			VBucket: s.vb,
			Status:  transport.END_STREAM_OK,
		})
		s.setState(StreamDead)
		s.itemsReady.Set(true)
		notify = true
		logging.Infof("%v stream request complete, seqno %v reached",
			s.logPrefix, seqno)
	}
	s.mu.Unlock()

	if notify {
		s.producer.notifyStreamReady(s.vb)
	}
}

func (s *NotifierStream) SetDead(status transport.EndStreamStatus) uint32 {
	s.mu.Lock()
	if s.State() != StreamDead {
		s.readyQ.clear()
		if status != transport.END_STREAM_DISCONNECTED {
			s.pushToReadyQ(&StreamEndResponse{
				Opaque:  s.opaque,
				VBucket: s.vb,
				Status:  status,
			})
			s.itemsReady.Set(true)
		}
		s.setState(StreamDead)
	}
	s.mu.Unlock()

	if status != transport.END_STREAM_DISCONNECTED {
		s.producer.notifyStreamReady(s.vb)
	}
	return 0
}

func (s *NotifierStream) AddStats(add AddStatFn) {
	s.addBaseStats(add)
}
