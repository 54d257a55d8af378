package main

import (
	"fmt"

	"github.com/cuemby/renderfarm/pkg/discovery"
	"github.com/cuemby/renderfarm/pkg/log"
	"github.com/cuemby/renderfarm/pkg/node"
	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a render node",
	Long: `Run a render node.

The node serves one farm session at a time with the built-in progressive
renderer and announces itself on the network with UDP beacons so farms can
find it. Use --disable-beacon when the farm lists this node explicitly.`,
	RunE: runNode,
}

func init() {
	nodeCmd.Flags().String("listen-addr", ":18018", "TCP address for farm sessions")
	nodeCmd.Flags().String("advertise-addr", "", "address announced in beacons (default: packet source address)")
	nodeCmd.Flags().String("beacon-target", "255.255.255.255:18019", "UDP destination for beacons")
	nodeCmd.Flags().Duration("beacon-period", discovery.DefaultPeriod, "time between beacons")
	nodeCmd.Flags().Bool("disable-beacon", false, "do not send beacons")
	nodeCmd.Flags().String("work-dir", "./renderfarm-node", "directory for film snapshots")
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"node.listen_addr":    "listen-addr",
		"node.advertise_addr": "advertise-addr",
		"node.beacon_target":  "beacon-target",
		"node.beacon_period":  "beacon-period",
		"node.disable_beacon": "disable-beacon",
		"node.work_dir":       "work-dir",
	})
	if err != nil {
		return err
	}
	if err := cfg.Node.Validate(); err != nil {
		return fmt.Errorf("invalid node config: %w", err)
	}

	port, err := cfg.Node.ListenPort()
	if err != nil {
		return fmt.Errorf("invalid node.listen_addr: %w", err)
	}

	srv := node.NewServer(node.Config{
		ListenAddr: cfg.Node.ListenAddr,
		WorkDir:    cfg.Node.WorkDir,
	})
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	if !cfg.Node.DisableBeacon {
		sender := discovery.NewSender(discovery.SenderConfig{
			Address: cfg.Node.AdvertiseAddr,
			Port:    port,
			Target:  cfg.Node.BeaconTarget,
			Period:  cfg.Node.BeaconPeriod,
		})
		if err := sender.Start(); err != nil {
			return fmt.Errorf("failed to start beacon: %w", err)
		}
		defer sender.Stop()
	} else {
		logger := log.WithComponent("main")
		logger.Info().Msg("Beacon disabled")
	}

	fmt.Printf("Render node listening on %s. Press Ctrl+C to stop.\n", srv.Addr())
	return waitForSignal(nil)
}
