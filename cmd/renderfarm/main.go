package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/renderfarm/pkg/client"
	"github.com/cuemby/renderfarm/pkg/config"
	"github.com/cuemby/renderfarm/pkg/log"
	"github.com/cuemby/renderfarm/pkg/metrics"
	"github.com/cuemby/renderfarm/pkg/protocol"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile      string
	farmAddr     string
	outputFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "renderfarm",
	Short: "Renderfarm - distributed progressive rendering",
	Long: `Renderfarm spreads a progressive render over every node on the network.

Each node renders the same scene with its own random seed and the farm
periodically merges their films into a single image. Nodes announce
themselves with UDP beacons, so adding capacity is a matter of starting
"renderfarm node" on another machine.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Renderfarm version %s\n", Version)
		fmt.Printf("Commit: %s\n", Commit)
		fmt.Printf("Built: %s\n", BuildTime)
		fmt.Printf("Protocol: %s\n", protocol.Version)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Renderfarm version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./renderfarm.yaml or /etc/renderfarm/renderfarm.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON")
	rootCmd.PersistentFlags().StringVar(&farmAddr, "farm", "localhost:8080", "farm API address for client commands")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(farmCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(eventsCmd)
}

// loadConfig merges defaults, config file, environment and the flags named
// in bindings (config key to flag name), then initializes logging.
func loadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	v, err := config.New(cfgFile)
	if err != nil {
		return nil, err
	}

	bindings["log.level"] = "log-level"
	bindings["log.json"] = "log-json"
	for key, name := range bindings {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	metrics.SetVersion(Version)

	return cfg, nil
}

// waitForSignal blocks until SIGINT/SIGTERM or an error on errCh
func waitForSignal(errCh <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
		return nil
	case err := <-errCh:
		return err
	}
}

func newClient() *client.Client {
	return client.NewClient(farmAddr)
}

func isJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
