package dcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/dcpcore/common"
	"github.com/couchbase/dcpcore/logging"
	"github.com/couchbase/dcpcore/stats"
	"github.com/couchbase/dcpcore/transport"
)

const (
	// stripe width of the per-vbucket connection index
	vbConnLockNum = 32

	// policy constants driving the backfill admission cap
	dbFileMem                = 10 * 1024
	numBackfillsThreshold    = 4096
	numBackfillsMemThreshold = 1 // percent of the bucket quota

	// connection sweep timing
	connManagerInterval = 2 * time.Second
	connMaxIdleSeconds  = 5
)

// DcpConnMap is the connection registry: it owns every producer and
// consumer connection, the per-vbucket connection index, and the
// global backfill admission counter.
type DcpConnMap struct {
	engine   EngineContext
	config   common.Config
	vbuckets VBucketProvider

	backfillStore BackfillStore

	connsLock       sync.Mutex
	all             []Connection
	byCookie        map[interface{}]Connection
	deadConnections []Connection

	// serializes callbacks into the server layer so the sweep never
	// re-enters the network stack while holding connsLock
	releaseLock sync.Mutex

	vbConnLocks [vbConnLockNum]sync.Mutex
	vbConns     [][]Connection

	numBackfillsLock           sync.Mutex
	numActiveSnoozingBackfills uint16
	maxActiveSnoozingBackfills uint16

	minCompressionRatio stats.FloatVal

	notifierFinch chan bool
	notifierOnce  sync.Once
}

// NewDcpConnMap wires the registry against the server layer, the
// vbucket table and the disk store, and starts the periodic connection
// sweep.
func NewDcpConnMap(engine EngineContext, vbuckets VBucketProvider,
	store BackfillStore, config common.Config) *DcpConnMap {

	cm := &DcpConnMap{
		engine:        engine,
		config:        config,
		vbuckets:      vbuckets,
		backfillStore: store,
		byCookie:      make(map[interface{}]Connection),
		vbConns:       make([][]Connection, vbuckets.NumVBuckets()),
		notifierFinch: make(chan bool),
	}
	cm.minCompressionRatio.Init()
	cm.minCompressionRatio.Set(config["dcp.minCompressionRatio"].Float64())
	cm.UpdateMaxActiveSnoozingBackfills(config["dcp.maxDataSize"].Uint64())

	go cm.notifierRun()
	return cm
}

// NewConsumer registers a consumer connection. A live connection with
// the same canonical name is evicted: marked disconnected and left for
// the dead-connection sweep triggered by its own disconnect.
func (cm *DcpConnMap) NewConsumer(cookie interface{}, name string) *Consumer {
	cm.connsLock.Lock()
	defer cm.connsLock.Unlock()

	connName := DcpNamePrefix + name
	cm.evictSameNameLocked(connName)

	consumer := newConsumer(cm, cookie, connName)
	logging.Infof("DCPM[] %v connection created", connName)
	cm.all = append(cm.all, consumer)
	cm.byCookie[cookie] = consumer
	return consumer
}

// NewProducer registers a producer (or notifier-only) connection with
// the same same-name eviction as NewConsumer.
func (cm *DcpConnMap) NewProducer(cookie interface{}, name string,
	notifyOnly bool) *Producer {

	cm.connsLock.Lock()
	defer cm.connsLock.Unlock()

	connName := DcpNamePrefix + name
	cm.evictSameNameLocked(connName)

	producer := newProducer(cm, cookie, connName, notifyOnly)
	logging.Infof("DCPM[] %v connection created", connName)
	cm.all = append(cm.all, producer)
	cm.byCookie[cookie] = producer
	return producer
}

// evictSameNameLocked must be called with connsLock held.
func (cm *DcpConnMap) evictSameNameLocked(connName string) {
	for i, conn := range cm.all {
		if conn.Name() == connName {
			conn.SetDisconnect(true)
			cm.all = append(cm.all[:i], cm.all[i+1:]...)
			logging.Infof("DCPM[] %v evicting connection with duplicate name",
				connName)
			break
		}
	}
}

// AddPassiveStream fails with KEY_EEXISTS if any consumer already has
// a passive stream for the vbucket, under any connection.
func (cm *DcpConnMap) AddPassiveStream(conn *Consumer, opaque uint32,
	vb uint16, flags uint32) transport.Status {

	cm.connsLock.Lock()
	defer cm.connsLock.Unlock()

	if cm.isPassiveStreamConnectedLocked(vb) {
		logging.Warnf("%v (vb %d) failing to add passive stream, "+
			"as one already exists for the vbucket", conn.Name(), vb)
		return transport.KEY_EEXISTS
	}
	return conn.AddStream(opaque, vb, flags)
}

// isPassiveStreamConnectedLocked must be called with connsLock held.
func (cm *DcpConnMap) isPassiveStreamConnectedLocked(vb uint16) bool {
	for _, conn := range cm.all {
		if consumer, ok := conn.(*Consumer); ok && consumer.IsStreamPresent(vb) {
			logging.Debugf("(vb %d) a passive stream already exists on "+
				"connection %v", vb, consumer.Name())
			return true
		}
	}
	return false
}

// CloseSlowStream evicts the first producer stream on the vbucket that
// qualifies as a slow consumer. Takes only the vbucket stripe lock.
func (cm *DcpConnMap) CloseSlowStream(vb uint16, name string) bool {
	lockNum := int(vb) % vbConnLockNum
	cm.vbConnLocks[lockNum].Lock()
	defer cm.vbConnLocks[lockNum].Unlock()

	for _, conn := range cm.vbConns[vb] {
		if producer, ok := conn.(*Producer); ok {
			if producer.CloseSlowStream(vb, name) {
				return true
			}
		}
	}
	return false
}

// Disconnect tears the connection down synchronously and parks it on
// the dead list for the next sweep to release.
func (cm *DcpConnMap) Disconnect(cookie interface{}) {
	cm.connsLock.Lock()
	cm.disconnectLocked(cookie)
	cm.connsLock.Unlock()
}

// disconnectLocked must be called with connsLock held. A connection in
// `all` without a cookie mapping would leak past the dead list, so the
// dead append is driven off the byCookie entry and a stray `all` entry
// is dropped with a warning.
func (cm *DcpConnMap) disconnectLocked(cookie interface{}) {
	for i, conn := range cm.all {
		if conn.Cookie() == cookie {
			conn.SetDisconnect(true)
			cm.all = append(cm.all[:i], cm.all[i+1:]...)
			if _, ok := cm.byCookie[cookie]; !ok {
				logging.Warnf("DCPM[] %v connection missing cookie "+
					"mapping, dropping", conn.Name())
			}
			break
		}
	}

	conn, ok := cm.byCookie[cookie]
	if !ok {
		return
	}
	logging.Infof("DCPM[] %v removing connection", conn.Name())
	delete(cm.byCookie, cookie)
	conn.SetDisconnect(true)

	if producer, isProducer := conn.(*Producer); isProducer {
		producer.CloseAllStreams()
		producer.ClearCheckpointProcessorTaskQueues()
		producer.cancelTasks()
	} else if consumer, isConsumer := conn.(*Consumer); isConsumer {
		// cancel the processor task before closing streams
		consumer.CancelTask()
		consumer.CloseAllStreams()
	}

	cm.deadConnections = append(cm.deadConnections, conn)
}

// VbucketStateChanged notifies every producer so affected active
// streams transition or die; with closeInboundStreams consumers tear
// down their passive stream for the vbucket too.
func (cm *DcpConnMap) VbucketStateChanged(vb uint16, state transport.VbState,
	closeInboundStreams bool) {

	cm.connsLock.Lock()
	conns := make([]Connection, 0, len(cm.byCookie))
	for _, conn := range cm.byCookie {
		conns = append(conns, conn)
	}
	cm.connsLock.Unlock()

	for _, conn := range conns {
		if _, ok := conn.(*Producer); ok {
			conn.VbucketStateChanged(vb, state)
		} else if closeInboundStreams {
			conn.VbucketStateChanged(vb, state)
		}
	}
}

// NotifyVBConnections fans a new seqno into every producer registered
// on the vbucket. Hot path: takes only the stripe lock, never the
// registry mutex.
func (cm *DcpConnMap) NotifyVBConnections(vb uint16, bySeqno uint64) {
	lockNum := int(vb) % vbConnLockNum
	cm.vbConnLocks[lockNum].Lock()
	defer cm.vbConnLocks[lockNum].Unlock()

	for _, conn := range cm.vbConns[vb] {
		if producer, ok := conn.(*Producer); ok {
			producer.NotifySeqnoAvailable(vb, bySeqno)
		}
	}
}

// NotifyBackfillManagerTasks wakes each producer's backfill manager so
// bounded buffers drain promptly.
func (cm *DcpConnMap) NotifyBackfillManagerTasks() {
	cm.connsLock.Lock()
	producers := make([]*Producer, 0, len(cm.byCookie))
	for _, conn := range cm.byCookie {
		if producer, ok := conn.(*Producer); ok {
			producers = append(producers, producer)
		}
	}
	cm.connsLock.Unlock()

	for _, producer := range producers {
		producer.NotifyBackfillManager()
	}
}

// addVBConn registers the connection in the per-vbucket index.
func (cm *DcpConnMap) addVBConn(conn Connection, vb uint16) {
	lockNum := int(vb) % vbConnLockNum
	cm.vbConnLocks[lockNum].Lock()
	defer cm.vbConnLocks[lockNum].Unlock()
	for _, existing := range cm.vbConns[vb] {
		if existing == conn {
			return
		}
	}
	cm.vbConns[vb] = append(cm.vbConns[vb], conn)
}

// removeVBConn erases the connection from the per-vbucket index.
func (cm *DcpConnMap) removeVBConn(conn Connection, vb uint16) {
	lockNum := int(vb) % vbConnLockNum
	cm.vbConnLocks[lockNum].Lock()
	defer cm.vbConnLocks[lockNum].Unlock()
	for i, existing := range cm.vbConns[vb] {
		if existing == conn {
			cm.vbConns[vb] = append(cm.vbConns[vb][:i], cm.vbConns[vb][i+1:]...)
			return
		}
	}
}

// removeVBConnections walks the connection's vbucket vector and erases
// its entries from the index.
func (cm *DcpConnMap) removeVBConnections(conn Connection) {
	producer, ok := conn.(*Producer)
	if !ok {
		return
	}
	for _, vb := range producer.VBVector() {
		cm.removeVBConn(conn, vb)
	}
}

// notifyPausedConnection wakes the network layer for a paused, still
// reserved connection. Serialized under releaseLock to avoid
// re-entrancy into the server layer.
func (cm *DcpConnMap) notifyPausedConnection(conn Connection) {
	cm.releaseLock.Lock()
	defer cm.releaseLock.Unlock()
	if conn.IsPaused() && conn.IsReserved() {
		cm.engine.NotifyIOComplete(conn.Cookie(), transport.SUCCESS)
		conn.SetNotifySent(true)
	}
}

// ShutdownAllConnections stops the sweep, closes every stream, cancels
// consumer tasks, releases every connection exactly once and runs one
// final sweep to finalize the dead list.
func (cm *DcpConnMap) ShutdownAllConnections() {
	logging.Warnf("DCPM[] shutting down dcp connections!")

	cm.notifierOnce.Do(func() {
		close(cm.notifierFinch)
	})

	cm.connsLock.Lock()
	toRelease := make([]Connection, len(cm.all))
	copy(toRelease, cm.all)

	for _, conn := range cm.byCookie {
		if producer, ok := conn.(*Producer); ok {
			producer.CloseAllStreams()
			producer.ClearCheckpointProcessorTaskQueues()
			producer.cancelTasks()
		} else if consumer, ok := conn.(*Consumer); ok {
			consumer.CancelTask()
			consumer.CloseAllStreams()
		}
	}
	cm.all = nil
	cm.byCookie = make(map[interface{}]Connection)
	cm.connsLock.Unlock()

	cm.releaseLock.Lock()
	for _, conn := range toRelease {
		logging.Infof("DCPM[] clean up %q", conn.Name())
		conn.ReleaseReference()
	}
	cm.releaseLock.Unlock()

	for _, conn := range toRelease {
		cm.removeVBConnections(conn)
	}

	// dead connections are normally reclaimed by the periodic sweep;
	// run one inline so bucket teardown never waits on the ticker
	cm.ManageConnections()
}

// notifierRun is the periodic sweep goroutine.
func (cm *DcpConnMap) notifierRun() {
	tick := time.NewTicker(connManagerInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			cm.ManageConnections()
		case <-cm.notifierFinch:
			return
		}
	}
}

// ManageConnections is the sweep: it drains the dead list, notifies
// paused reserved connections, then releases the dead connections and
// scrubs their vbucket index entries.
func (cm *DcpConnMap) ManageConnections() {
	cm.connsLock.Lock()

	release := cm.deadConnections
	cm.deadConnections = nil
	for _, conn := range release {
		logging.Warnf("DCPM[] manageConnections dead connection %v", conn.Name())
	}

	now := time.Now().Unix()
	var toNotify []Connection
	for _, conn := range cm.byCookie {
		if (conn.IsPaused() || conn.DoDisconnect()) && conn.IsReserved() {
			if !conn.SentNotify() ||
				conn.LastWalkTime()+connMaxIdleSeconds < now {
				toNotify = append(toNotify, conn)
			}
		}
	}
	cm.connsLock.Unlock()

	cm.releaseLock.Lock()
	for _, conn := range toNotify {
		if conn.IsReserved() {
			cm.engine.NotifyIOComplete(conn.Cookie(), transport.SUCCESS)
			conn.SetNotifySent(true)
			conn.SetLastWalkTime()
		}
	}
	cm.releaseLock.Unlock()

	for _, conn := range release {
		conn.ReleaseReference()
		cm.removeVBConnections(conn)
	}
}

//
// Backfill admission.
//

// CanAddBackfillToActiveQ atomically admits one backfill when under
// the cap.
func (cm *DcpConnMap) CanAddBackfillToActiveQ() bool {
	cm.numBackfillsLock.Lock()
	defer cm.numBackfillsLock.Unlock()
	if cm.numActiveSnoozingBackfills < cm.maxActiveSnoozingBackfills {
		cm.numActiveSnoozingBackfills++
		return true
	}
	return false
}

// DecrNumActiveSnoozingBackfills releases one admission slot. An
// underflow indicates a leak; it is logged and clamped, never fatal.
func (cm *DcpConnMap) DecrNumActiveSnoozingBackfills() {
	cm.numBackfillsLock.Lock()
	defer cm.numBackfillsLock.Unlock()
	if cm.numActiveSnoozingBackfills > 0 {
		cm.numActiveSnoozingBackfills--
	} else {
		logging.Warnf("DCPM[] active snoozing backfills already zero!!!")
	}
}

// UpdateMaxActiveSnoozingBackfills recomputes the cap from the bucket
// quota, clamped to [1, 4096]. Invoked on configuration change.
func (cm *DcpConnMap) UpdateMaxActiveSnoozingBackfills(maxDataSize uint64) {
	pct := float64(numBackfillsMemThreshold) / 100
	max := uint64(float64(maxDataSize) * pct / dbFileMem)
	if max > numBackfillsThreshold {
		max = numBackfillsThreshold
	}
	if max < 1 {
		max = 1
	}
	cm.numBackfillsLock.Lock()
	cm.maxActiveSnoozingBackfills = uint16(max)
	cm.numBackfillsLock.Unlock()
	logging.Debugf("DCPM[] max active snoozing backfills set to %d", max)
}

// NumActiveSnoozingBackfills reads the admission counter.
func (cm *DcpConnMap) NumActiveSnoozingBackfills() int {
	cm.numBackfillsLock.Lock()
	defer cm.numBackfillsLock.Unlock()
	return int(cm.numActiveSnoozingBackfills)
}

// MaxActiveSnoozingBackfills reads the admission cap.
func (cm *DcpConnMap) MaxActiveSnoozingBackfills() int {
	cm.numBackfillsLock.Lock()
	defer cm.numBackfillsLock.Unlock()
	return int(cm.maxActiveSnoozingBackfills)
}

//
// Compression policy.
//

// UpdateMinCompressionRatioForProducers changes the process-wide
// compression threshold.
func (cm *DcpConnMap) UpdateMinCompressionRatioForProducers(value float64) {
	cm.minCompressionRatio.Set(value)
}

// MinCompressionRatio is consulted by producers for every value sent.
func (cm *DcpConnMap) MinCompressionRatio() float64 {
	return cm.minCompressionRatio.Value()
}

// AddStats dumps registry level stats.
func (cm *DcpConnMap) AddStats(add AddStatFn) {
	cm.connsLock.Lock()
	deadCount := len(cm.deadConnections)
	conns := make([]Connection, len(cm.all))
	copy(conns, cm.all)
	cm.connsLock.Unlock()

	add("ep_dcp_dead_conn_count", fmt.Sprint(deadCount))
	add("ep_dcp_num_active_snoozing_backfills",
		fmt.Sprint(cm.NumActiveSnoozingBackfills()))
	add("ep_dcp_max_active_snoozing_backfills",
		fmt.Sprint(cm.MaxActiveSnoozingBackfills()))
	for _, conn := range conns {
		conn.AddStats(add)
	}
}
