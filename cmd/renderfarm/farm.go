package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/renderfarm/pkg/api"
	"github.com/cuemby/renderfarm/pkg/discovery"
	"github.com/cuemby/renderfarm/pkg/events"
	"github.com/cuemby/renderfarm/pkg/farm"
	"github.com/cuemby/renderfarm/pkg/health"
	"github.com/cuemby/renderfarm/pkg/job"
	"github.com/cuemby/renderfarm/pkg/log"
	"github.com/cuemby/renderfarm/pkg/metrics"
	"github.com/cuemby/renderfarm/pkg/storage"
	"github.com/cuemby/renderfarm/pkg/types"
	"github.com/spf13/cobra"
)

var farmCmd = &cobra.Command{
	Use:   "farm [JOB_FILE...]",
	Short: "Run the farm coordinator",
	Long: `Run the farm coordinator.

The farm listens for node beacons, probes manually configured nodes, runs
jobs one after another and serves the HTTP API. Job files given as
arguments are queued at startup in order.

Examples:
  # Start an idle farm and submit jobs later with "renderfarm job add"
  renderfarm farm

  # Render two scenes back to back
  renderfarm farm teapot-job.yaml sponza-job.yaml`,
	RunE: runFarm,
}

func init() {
	farmCmd.Flags().String("api-addr", ":8080", "address for the HTTP API")
	farmCmd.Flags().Bool("api-read-only", false, "refuse API requests that change farm state")
	farmCmd.Flags().String("beacon-addr", ":18019", "UDP address to receive node beacons on")
	farmCmd.Flags().String("data-dir", "./renderfarm-data", "directory for the farm database")
	farmCmd.Flags().StringSlice("node", nil, "render node without beacon, as host:port (repeatable)")
}

func runFarm(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"farm.api_addr":      "api-addr",
		"farm.api_read_only": "api-read-only",
		"farm.beacon_addr":   "beacon-addr",
		"farm.data_dir":      "data-dir",
		"farm.nodes":         "node",
	})
	if err != nil {
		return err
	}
	if err := cfg.Farm.Validate(); err != nil {
		return fmt.Errorf("invalid farm config: %w", err)
	}

	logger := log.WithComponent("main")

	// Jobs are prepared before anything starts so a bad file fails fast
	var jobs []*job.Job
	for _, path := range args {
		jcfg, err := job.LoadConfigFile(path)
		if err != nil {
			return err
		}
		j, err := job.New(jcfg)
		if err != nil {
			return fmt.Errorf("failed to prepare job %s: %w", path, err)
		}
		jobs = append(jobs, j)
	}

	if err := os.MkdirAll(cfg.Farm.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.Farm.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go logEvents(sub)
	defer broker.Unsubscribe(sub)

	f := farm.New(farm.Config{Store: store, Broker: broker})
	f.Start()
	metrics.RegisterComponent("farm", true, "running")

	prober := health.NewProber(health.Config{
		Interval: cfg.Farm.ProbeInterval,
		Timeout:  5 * time.Second,
	}, func(key types.NodeKey) {
		f.DiscoveredNode(key.Address, key.Port, types.DiscoveryManual)
	})
	for _, addr := range cfg.Farm.Nodes {
		key, _ := types.ParseNodeKey(addr)
		prober.Add(key)
	}
	if known, err := store.ListNodes(); err == nil {
		for _, n := range known {
			if n.DiscoveryType == types.DiscoveryManual {
				prober.Add(n.Key)
			}
		}
	}
	prober.Start()

	receiver := discovery.NewReceiver(discovery.ReceiverConfig{
		ListenAddr: cfg.Farm.BeaconAddr,
		RateLimit:  cfg.Farm.DiscoveryRate,
		Burst:      cfg.Farm.DiscoveryBurst,
		Handler: func(address string, port int) {
			f.DiscoveredNode(address, port, types.DiscoveryAuto)
		},
	})
	if err := receiver.Start(); err != nil {
		metrics.RegisterComponent("discovery", false, err.Error())
		logger.Warn().Err(err).Msg("Beacon receiver unavailable, only manual nodes will be used")
	} else {
		metrics.RegisterComponent("discovery", true, "listening")
	}

	collector := metrics.NewCollector(f, cfg.Farm.MetricsInterval)
	collector.Start()

	apiServer := api.NewServer(api.Config{
		Farm:     f,
		Prober:   prober,
		Broker:   broker,
		ReadOnly: cfg.Farm.APIReadOnly,
		Version:  Version,
	})
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(cfg.Farm.APIAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	metrics.RegisterComponent("api", true, cfg.Farm.APIAddr)

	for _, j := range jobs {
		if err := f.AddJob(j); err != nil {
			logger.Error().Err(err).Str("job_id", j.ID()).Msg("Failed to queue job")
		}
	}

	fmt.Printf("Farm is running (API %s, beacons %s). Press Ctrl+C to stop.\n", cfg.Farm.APIAddr, cfg.Farm.BeaconAddr)

	runErr := waitForSignal(errCh)

	// Shutdown order: stop intake, then the farm (final merge), then the API
	receiver.Stop()
	prober.Stop()
	f.Stop()
	collector.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}

	if runErr != nil {
		return runErr
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}

func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		logger.Debug().
			Str("type", string(ev.Type)).
			Interface("metadata", ev.Metadata).
			Msg(ev.Message)
	}
}
