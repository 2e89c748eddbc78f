// Command syncd is the wiring daemon: it loads configuration, opens the
// sync engine, starts the gossip listener, dials any configured bootstrap
// peers, and runs until SIGINT/SIGTERM. It is deliberately thin; it is not
// a terminal UI or a rich CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ahenk-go/syncd/internal/config"
	"github.com/ahenk-go/syncd/internal/pairing"
	"github.com/ahenk-go/syncd/pkg/syncengine"
)

func main() {
	configPath := flag.String("config", "./syncd.yaml", "path to a YAML options file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("syncd exited with error", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	opts, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	identity, err := pairing.LoadOrCreateIdentity(filepath.Join(opts.DataDir, "identity.json"))
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	engine, err := syncengine.Open(opts, identity, logger)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer engine.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bootstrap, err := opts.BootstrapMultiaddrs()
	if err != nil {
		return fmt.Errorf("parse bootstrap nodes: %w", err)
	}

	pairingMgr := engine.Pairing()
	go runPairingCleanup(ctx, pairingMgr, logger)

	go func() {
		if err := engine.Run(ctx); err != nil {
			logger.Error("sync manager stopped", zap.Error(err))
		}
	}()

	// bootstrap nodes are dialed with their own address string as the peer
	// identity; the transport keeps the outbound connection registered under
	// that identity for its lifetime and does not re-key it.
	for _, addr := range bootstrap {
		if err := engine.Manager().ConnectToNetwork(addr.String(), addr); err != nil {
			logger.Warn("failed to connect to bootstrap node", zap.String("addr", addr.String()), zap.Error(err))
		}
	}

	if opts.EnableRelay {
		relays, err := opts.RelayMultiaddrs()
		if err != nil {
			return fmt.Errorf("parse relay servers: %w", err)
		}
		for _, relay := range relays {
			if err := engine.Manager().RegisterWithRelay(relay); err != nil {
				logger.Warn("failed to register with relay", zap.String("relay", relay.String()), zap.Error(err))
			}
		}
	}

	logger.Info("syncd started",
		zap.String("device_id", opts.DeviceID),
		zap.String("listen_addr", opts.ListenAddr),
	)

	<-ctx.Done()
	logger.Info("syncd shutting down")
	return nil
}

func runPairingCleanup(ctx context.Context, m *pairing.Manager, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := m.Cleanup(); removed > 0 {
				logger.Debug("pairing cleanup swept sessions", zap.Int("removed", removed))
			}
		}
	}
}
