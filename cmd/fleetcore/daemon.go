package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rgordey/fleetcore/internal/audit"
	"github.com/rgordey/fleetcore/internal/config"
	"github.com/rgordey/fleetcore/internal/conflict"
	"github.com/rgordey/fleetcore/internal/consensus"
	"github.com/rgordey/fleetcore/internal/controlplane"
	"github.com/rgordey/fleetcore/internal/crisis"
	"github.com/rgordey/fleetcore/internal/dispatch"
	"github.com/rgordey/fleetcore/internal/health"
	"github.com/rgordey/fleetcore/internal/pool"
	"github.com/rgordey/fleetcore/internal/pool/localproc"
	"github.com/rgordey/fleetcore/internal/store"
)

var (
	configPath string
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the fleetcore daemon",
	Long:  `Starts the fleetcore daemon: the control plane API, task distributor, health monitor, pool manager, conflict resolver, and crisis pipeline.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", "", "Path to config file (default: XDG config dir)")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address override")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path override")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()

	node := buildConsensus(cfg)
	gate := node.IsLeader

	auditor := audit.NewWriter(s)

	pipeline := crisis.New(s, nil, cfg.Crisis, log.With().Str("component", "crisis").Logger())
	pipeline.SetGate(gate)

	monitor, err := health.New(s, pipeline, auditor, cfg.Health, log.With().Str("component", "health").Logger())
	if err != nil {
		return err
	}
	monitor.SetGate(gate)

	distributor := dispatch.New(s, pipeline, auditor, cfg.Dispatch, log.With().Str("component", "dispatch").Logger())
	distributor.SetGate(gate)

	resolver := conflict.New(s, pipeline, auditor, cfg.Conflict, log.With().Str("component", "conflict").Logger())
	resolver.SetGate(gate)
	distributor.SetFreezer(resolver)

	workDir := cfg.Agent.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	runner := localproc.New(cfg.Agent.Command, cfg.Agent.Args, "http://"+cfg.ListenAddr, workDir)
	manager := pool.New(s, runner, pipeline, auditor, cfg.Pool, log.With().Str("component", "pool").Logger())
	manager.SetGate(gate)

	service := controlplane.NewService(s, distributor, monitor, pipeline, manager, node, auditor, cfg.Pool.Capabilities)
	server := controlplane.NewServer(service, node, cfg.ListenAddr, log.With().Str("component", "controlplane").Logger())

	node.Start()
	defer node.Stop()
	pipeline.Start()
	defer pipeline.Stop()
	monitor.Start()
	defer monitor.Stop()
	distributor.Start()
	defer distributor.Stop()
	resolver.Start()
	defer resolver.Stop()
	manager.Start()
	defer manager.Stop()

	root, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(root)

	roleCh := node.Subscribe()
	g.Go(func() error {
		for {
			select {
			case role := <-roleCh:
				log.Info().Str("role", string(role)).Msg("cluster role changed")
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
		case <-ctx.Done():
			return ctx.Err()
		}

		defer cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildConsensus wires the election node from the cluster config. No peers
// means single-node mode.
func buildConsensus(cfg *config.Config) *consensus.Node {
	ccfg := consensus.DefaultConfig(cfg.Consensus.NodeID)
	for id := range cfg.Consensus.Peers {
		ccfg.Peers = append(ccfg.Peers, id)
	}
	if cfg.Consensus.HeartbeatInterval > 0 {
		ccfg.HeartbeatInterval = cfg.Consensus.HeartbeatInterval
	}
	if cfg.Consensus.ElectionTimeoutMin > 0 {
		ccfg.ElectionTimeoutMin = cfg.Consensus.ElectionTimeoutMin
	}
	if cfg.Consensus.ElectionTimeoutMax > 0 {
		ccfg.ElectionTimeoutMax = cfg.Consensus.ElectionTimeoutMax
	}

	transport := consensus.NewHTTPTransport(cfg.Consensus.Peers)
	return consensus.NewNode(ccfg, transport, log.With().Str("component", "consensus").Logger())
}
