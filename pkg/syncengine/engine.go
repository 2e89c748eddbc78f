// Package syncengine is the public facade over the sync core: it wires the
// HLC clock, the oplog/store-backed merge engine, the gossip transport, the
// health watcher/scorer, pairing, and the gossip event loop into one
// constructible Engine so an embedding application only deals with one type.
package syncengine

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/tidwall/buntdb"
	"go.uber.org/zap"

	"github.com/ahenk-go/syncd/internal/config"
	"github.com/ahenk-go/syncd/internal/health"
	"github.com/ahenk-go/syncd/internal/hlc"
	"github.com/ahenk-go/syncd/internal/merge"
	"github.com/ahenk-go/syncd/internal/metrics"
	"github.com/ahenk-go/syncd/internal/oplog"
	"github.com/ahenk-go/syncd/internal/pairing"
	"github.com/ahenk-go/syncd/internal/syncmanager"
	"github.com/ahenk-go/syncd/internal/transport"
)

// Resolver re-exports merge.Resolver so embedding applications never need
// to import an internal package directly.
type Resolver = merge.Resolver

// Operation re-exports oplog.Operation.
type Operation = oplog.Operation

// OpType re-exports oplog.Type.
type OpType = oplog.Type

const (
	OpCreate = oplog.Create
	OpUpdate = oplog.Update
	OpDelete = oplog.Delete
)

// Engine is the single entry point an embedding application constructs,
// registers table resolvers against, and drives with Run.
type Engine struct {
	db      *buntdb.DB
	clock   *hlc.Clock
	merge   *merge.Engine
	manager *syncmanager.Manager
	pairing *pairing.Manager
	metrics *metrics.Metrics

	deviceID             string
	enableLocalDiscovery bool
	logger               *zap.Logger
}

// Open constructs an Engine from opts. The embedding application must
// register every table resolver it needs before calling Run.
func Open(opts config.Options, identity pairing.Identity, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("syncengine.Open: %w", err)
	}

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("syncengine.Open: create data_dir: %w", err)
	}
	dbPath := filepath.Join(opts.DataDir, "syncd.db")
	db, err := buntdb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("syncengine.Open: open store: %w", err)
	}

	m := metrics.NewMetrics(opts.MetricsNamespace)
	clock := hlc.NewClock(opts.DeviceID)
	mergeEngine := merge.NewEngine(db, logger, m)

	bootstrap, err := opts.BootstrapMultiaddrs()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	relays, err := opts.RelayMultiaddrs()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	tr := transport.New(transport.Config{
		ListenAddr:           opts.ListenAddr,
		EnableLocalDiscovery: opts.EnableLocalDiscovery,
		EnableRelay:          opts.EnableRelay,
		BootstrapNodes:       bootstrap,
		RelayServers:         relays,
		HeartbeatInterval:    opts.HeartbeatInterval,
		MaxMessageSize:       opts.MaxMessageSize,
	}, opts.DeviceID, logger)

	watcher := health.NewWatcher(3*opts.HeartbeatInterval, logger)
	scorer := health.NewScorer(logger, m)

	manager := syncmanager.New(syncmanager.Config{
		UserID:            opts.UserID,
		DeviceID:          opts.DeviceID,
		PeerIdentity:      opts.DeviceID,
		Clock:             clock,
		Engine:            mergeEngine,
		Transport:         tr,
		Watcher:           watcher,
		Scorer:            scorer,
		Metrics:           m,
		HeartbeatInterval: opts.HeartbeatInterval,
		Logger:            logger,
	})

	pairingMgr := pairing.NewManager(identity, opts.PairingTTL, logger, m)

	return &Engine{
		db:                   db,
		clock:                clock,
		merge:                mergeEngine,
		manager:              manager,
		pairing:              pairingMgr,
		metrics:              m,
		deviceID:             opts.DeviceID,
		enableLocalDiscovery: opts.EnableLocalDiscovery,
		logger:               logger,
	}, nil
}

// RegisterResolver installs a table's LWW projection. Call before Run.
func (e *Engine) RegisterResolver(table string, r Resolver) {
	e.merge.RegisterResolver(table, r)
}

// ApplyLocal stamps and applies a locally-produced change.
func (e *Engine) ApplyLocal(table, rowID string, typ OpType, data []byte) error {
	return e.manager.ApplyLocal(table, rowID, typ, data)
}

// Pairing exposes the device-pairing subsystem (Create/Validate/Cleanup).
func (e *Engine) Pairing() *pairing.Manager { return e.pairing }

// Metrics exposes the Prometheus collector set for an embedding HTTP
// /metrics handler.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Clock exposes the device's hybrid logical clock.
func (e *Engine) Clock() *hlc.Clock { return e.clock }

// Run starts listening for gossip connections, starts local-network peer
// discovery if enabled, and blocks running the event loop until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.manager.Listen(); err != nil {
		return err
	}

	if e.enableLocalDiscovery {
		port, err := tcpPort(e.manager.ListenAddr())
		if err != nil {
			e.logger.Warn("local discovery disabled: could not determine dial-back port", zap.Error(err))
		} else if err := e.manager.StartDiscovery(ctx, e.deviceID, port); err != nil {
			e.logger.Warn("failed to start local discovery", zap.Error(err))
		}
	}

	return e.manager.Run(ctx)
}

// tcpPort extracts the bound TCP port from a net.Addr, for seeding the
// dial-back address local discovery broadcasts.
func tcpPort(addr net.Addr) (int, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("listen address %v is not a TCP address", addr)
	}
	return tcpAddr.Port, nil
}

// Manager exposes the underlying gossip manager for operations (connect,
// request_sync, peer listing) the facade does not wrap directly.
func (e *Engine) Manager() *syncmanager.Manager { return e.manager }

// Close releases the underlying storage handle. Cancelling the context
// passed to Run stops the event loop and local discovery; neither Close nor
// that cancellation closes the transport's listener or peer connections.
func (e *Engine) Close() error {
	return e.db.Close()
}
