// dcpd runs an in-process dcp engine for experimentation: it opens a
// disk store, brings a handful of vbuckets active and periodically
// dumps the registry stats.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/couchbase/dcpcore/common"
	"github.com/couchbase/dcpcore/dcp"
	"github.com/couchbase/dcpcore/diskstore"
	"github.com/couchbase/dcpcore/logging"
	"github.com/couchbase/dcpcore/transport"
	"github.com/spf13/cobra"
)

var (
	flagLogLevel  string
	flagDataFile  string
	flagVbuckets  int
	flagStatsTick time.Duration
)

// serverContext is a minimal stand-in for the memcached front end.
type serverContext struct {
	mu       sync.Mutex
	specific map[interface{}]interface{}
}

func newServerContext() *serverContext {
	return &serverContext{specific: make(map[interface{}]interface{})}
}

func (sc *serverContext) NotifyIOComplete(cookie interface{}, status transport.Status) {
	logging.Tracef("SRVR[] notify io complete cookie %v status %v", cookie, status)
}

func (sc *serverContext) ReserveCookie(cookie interface{}) {}

func (sc *serverContext) ReleaseCookie(cookie interface{}) {}

func (sc *serverContext) GetEngineSpecific(cookie interface{}) interface{} {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.specific[cookie]
}

func (sc *serverContext) SetEngineSpecific(cookie interface{}, data interface{}) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if data == nil {
		delete(sc.specific, cookie)
		return
	}
	sc.specific[cookie] = data
}

func main() {
	root := &cobra.Command{
		Use:   "dcpd",
		Short: "in-process dcp streaming engine",
	}
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info",
		"log level (silent, fatal, error, warn, info, debug, trace)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "run the engine until interrupted",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&flagDataFile, "data-file", "dcpd.db",
		"path of the bbolt backfill store")
	serve.Flags().IntVar(&flagVbuckets, "vbuckets", 64,
		"number of vbuckets to host")
	serve.Flags().DurationVar(&flagStatsTick, "stats-interval", 10*time.Second,
		"interval between stats dumps")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logging.SetLogLevel(logging.Level(flagLogLevel))

	config := common.SystemConfig.Clone()
	if err := config.SetValue("maxVbuckets", flagVbuckets); err != nil {
		return err
	}

	store, err := diskstore.Open(flagDataFile)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := dcp.NewEngine(newServerContext(), store, config)
	for vb := 0; vb < flagVbuckets; vb++ {
		engine.SetVBucketState(uint16(vb), transport.VbActive, false)
	}
	logging.Infof("dcpd serving %d vbuckets, store %v",
		flagVbuckets, flagDataFile)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	tick := time.NewTicker(flagStatsTick)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			engine.DoDcpStats(func(key, val string) {
				logging.Infof("STAT %v = %v", key, val)
			})
		case sig := <-sigch:
			logging.Infof("dcpd caught %v, shutting down", sig)
			engine.Shutdown()
			return nil
		}
	}
}
