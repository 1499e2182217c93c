package dcp

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/dcpcore/common"
	"github.com/couchbase/dcpcore/logging"
	"github.com/couchbase/dcpcore/transport"
)

func init() {
	logging.SetLogWriter(io.Discard)
}

// fakeServerContext counts the server layer calls the core makes.
type fakeServerContext struct {
	mu         sync.Mutex
	specific   map[interface{}]interface{}
	reserved   map[interface{}]int
	released   map[interface{}]int
	ioComplete map[interface{}]int
}

func newFakeServerContext() *fakeServerContext {
	return &fakeServerContext{
		specific:   make(map[interface{}]interface{}),
		reserved:   make(map[interface{}]int),
		released:   make(map[interface{}]int),
		ioComplete: make(map[interface{}]int),
	}
}

func (sc *fakeServerContext) NotifyIOComplete(cookie interface{}, status transport.Status) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.ioComplete[cookie]++
}

func (sc *fakeServerContext) ReserveCookie(cookie interface{}) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.reserved[cookie]++
}

func (sc *fakeServerContext) ReleaseCookie(cookie interface{}) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.released[cookie]++
}

func (sc *fakeServerContext) GetEngineSpecific(cookie interface{}) interface{} {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.specific[cookie]
}

func (sc *fakeServerContext) SetEngineSpecific(cookie interface{}, data interface{}) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if data == nil {
		delete(sc.specific, cookie)
		return
	}
	sc.specific[cookie] = data
}

func (sc *fakeServerContext) releaseCount(cookie interface{}) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.released[cookie]
}

func (sc *fakeServerContext) ioCompleteCount(cookie interface{}) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.ioComplete[cookie]
}

// memBackfillStore serves scripted scans from memory.
type memBackfillStore struct {
	mu    sync.Mutex
	items map[uint16][]*Item // sorted by seqno
}

func newMemBackfillStore() *memBackfillStore {
	return &memBackfillStore{items: make(map[uint16][]*Item)}
}

func (m *memBackfillStore) add(vb uint16, itm *Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	itm.VBucket = vb
	m.items[vb] = append(m.items[vb], itm)
}

func (m *memBackfillStore) Scan(vb uint16, startSeqno, endSeqno uint64,
	visitor BackfillVisitor) error {

	m.mu.Lock()
	items := make([]*Item, len(m.items[vb]))
	copy(items, m.items[vb])
	m.mu.Unlock()

	var scanEnd uint64
	for _, itm := range items {
		if itm.BySeqno >= startSeqno && itm.BySeqno <= endSeqno {
			scanEnd = itm.BySeqno
		}
	}
	if scanEnd < startSeqno {
		return nil
	}
	visitor.MarkDiskSnapshot(startSeqno, scanEnd)
	for _, itm := range items {
		if itm.BySeqno < startSeqno || itm.BySeqno > endSeqno {
			continue
		}
		if !visitor.BackfillReceived(itm, BackfillFromDisk) {
			return ErrScanPaused
		}
	}
	return nil
}

func (m *memBackfillStore) NumItems(vb uint16, startSeqno, endSeqno uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := uint64(0)
	for _, itm := range m.items[vb] {
		if itm.BySeqno >= startSeqno && itm.BySeqno <= endSeqno {
			count++
		}
	}
	return count, nil
}

func (m *memBackfillStore) HighSeqno(vb uint16) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items[vb]
	if len(items) == 0 {
		return 0, nil
	}
	return items[len(items)-1].BySeqno, nil
}

// testConfig shrinks vbucket count and slow-stream thresholds so unit
// tests run against small fixtures.
func testConfig() common.Config {
	config := common.SystemConfig.Clone()
	config.SetValue("maxVbuckets", 8)
	config.SetValue("dcp.slowStreamByteThreshold", 1)
	config.SetValue("dcp.slowStreamIdleSeconds", 0)
	return config
}

func newTestEngine(t *testing.T, store BackfillStore) (*Engine, *fakeServerContext) {
	t.Helper()
	ctx := newFakeServerContext()
	engine := NewEngine(ctx, store, testConfig())
	t.Cleanup(engine.Shutdown)
	return engine, ctx
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v", what)
}

// drainProducer collects responses until the producer pauses or limit
// is hit.
func drainProducer(p *Producer, limit int) []DcpResponse {
	var out []DcpResponse
	for len(out) < limit {
		resp := p.Next()
		if resp == nil {
			break
		}
		out = append(out, resp)
	}
	return out
}

func mutationSeqnos(responses []DcpResponse) []uint64 {
	var out []uint64
	for _, resp := range responses {
		if m, ok := resp.(*MutationResponse); ok {
			out = append(out, m.Item.BySeqno)
		}
	}
	return out
}

func describe(responses []DcpResponse) string {
	out := ""
	for _, resp := range responses {
		switch m := resp.(type) {
		case *SnapshotMarker:
			out += fmt.Sprintf("marker(%d,%d,%x) ", m.StartSeqno, m.EndSeqno, m.Flags)
		case *MutationResponse:
			out += fmt.Sprintf("mutation(%d) ", m.Item.BySeqno)
		case *StreamEndResponse:
			out += fmt.Sprintf("end(%v) ", m.Status)
		default:
			out += fmt.Sprintf("%v ", resp.Event())
		}
	}
	return out
}
