package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gridsim/gridsim/grid"
	"github.com/gridsim/gridsim/grid/local"
	"github.com/gridsim/gridsim/grid/modbus"
	"github.com/gridsim/gridsim/grid/network"
	"github.com/gridsim/gridsim/grid/remote"
)

var (
	// CLI flags, overriding the config file when set explicitly
	configPath string  // Path to YAML simulation config
	engineType string  // Solver backend: local or remote
	circuit    string  // Circuit name (local) or server-side path (remote)
	baseURL    string  // Solver service base URL (remote backend)
	rpcTimeout float64 // Solver service RPC timeout in seconds
	timestep   float64 // Tick period in seconds
	modbusHost string  // Modbus listen host
	modbusPort int     // Modbus listen port
	logLevel   string  // Log verbosity level
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "gridsim",
	Short: "Real-time distribution grid simulator with a Modbus TCP front end",
}

// loadRunConfig merges the config file (if any) with explicitly set flags.
func loadRunConfig(cmd *cobra.Command) (*grid.Config, error) {
	cfg := &grid.Config{}
	if configPath != "" {
		loaded, err := grid.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("engine") {
		cfg.Engine.Type = engineType
	}
	if cmd.Flags().Changed("circuit") {
		cfg.Engine.Circuit = circuit
	}
	if cmd.Flags().Changed("base-url") {
		cfg.Engine.BaseURL = baseURL
	}
	if cmd.Flags().Changed("rpc-timeout") {
		cfg.Engine.TimeoutSeconds = rpcTimeout
	}
	if cmd.Flags().Changed("timestep") {
		cfg.TimestepSeconds = timestep
	}
	if cmd.Flags().Changed("modbus-host") {
		cfg.Modbus.Host = modbusHost
	}
	if cmd.Flags().Changed("modbus-port") {
		cfg.Modbus.Port = modbusPort
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildNetwork resolves a built-in circuit name for the local backend.
func buildNetwork(name string) (*network.Network, error) {
	switch name {
	case "", "lv-feeder":
		return network.LVTestFeeder(), nil
	case "two-bus":
		return network.TwoBusTestNetwork(), nil
	default:
		return nil, fmt.Errorf("unknown built-in circuit %q (choose two-bus or lv-feeder)", name)
	}
}

// buildEngine constructs the configured solver backend.
func buildEngine(cfg *grid.Config) (grid.Engine, error) {
	switch cfg.Engine.Type {
	case "local":
		net, err := buildNetwork(cfg.Engine.Circuit)
		if err != nil {
			return nil, err
		}
		return local.NewEngine(net), nil
	case "remote":
		if cfg.Engine.BaseURL == "" {
			return nil, fmt.Errorf("remote engine requires a base URL")
		}
		timeout := time.Duration(cfg.Engine.TimeoutSeconds * float64(time.Second))
		return remote.NewEngine(cfg.Engine.BaseURL, cfg.Engine.Circuit, timeout)
	default:
		return nil, fmt.Errorf("unknown engine type %q", cfg.Engine.Type)
	}
}

// runCmd drives the simulation loop and the Modbus endpoint until interrupted
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the grid simulation and serve measurements over Modbus TCP",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := loadRunConfig(cmd)
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
		engine, err := buildEngine(cfg)
		if err != nil {
			logrus.Fatalf("Failed to build %s engine: %v", cfg.Engine.Type, err)
		}
		logrus.Infof("Starting simulation: engine=%s circuit=%q timestep=%.2fs modbus=%s:%d",
			cfg.Engine.Type, cfg.Engine.Circuit, cfg.TimestepSeconds, cfg.Modbus.Host, cfg.Modbus.Port)

		sim := grid.NewSimulator(engine, cfg.Timestep())
		sim.SetPowerFlowConfig(&cfg.PowerFlow)
		server := modbus.NewServer(engine, sim, cfg.Modbus.Host, cfg.Modbus.Port, cfg.Modbus.UnitID)
		sim.AddStateCallback(server.ApplyState)
		if err := server.Start(); err != nil {
			logrus.Fatalf("Failed to start modbus server: %v", err)
		}
		sim.Start()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		sim.Stop()
		server.Stop()

		stats := sim.Statistics()
		logrus.Infof("Simulation complete: ticks=%d failed=%d commands=%d command_failures=%d subscriber_panics=%d",
			stats.TotalTicks, stats.FailedTicks, stats.CommandsProcessed,
			stats.CommandFailures, stats.SubscriberPanics)
	},
}

// pointsCmd dumps the element-to-address mapping for SCADA configuration
var pointsCmd = &cobra.Command{
	Use:   "points",
	Short: "Print the Modbus point mapping for the configured circuit as JSON",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := loadRunConfig(cmd)
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
		engine, err := buildEngine(cfg)
		if err != nil {
			logrus.Fatalf("Failed to build %s engine: %v", cfg.Engine.Type, err)
		}

		server := modbus.NewServer(engine, nil, cfg.Modbus.Host, cfg.Modbus.Port, cfg.Modbus.UnitID)
		out, err := server.MarshalPointMapping()
		if err != nil {
			logrus.Fatalf("Failed to encode point mapping: %v", err)
		}
		fmt.Println(string(out))
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// addCommonFlags registers the shared flag set on a command. The flags bind
// to package variables; Changed tracking stays per command.
func addCommonFlags(c *cobra.Command) {
	c.Flags().StringVar(&configPath, "config", "", "Path to YAML simulation config")
	c.Flags().StringVar(&engineType, "engine", "local", "Solver backend (local, remote)")
	c.Flags().StringVar(&circuit, "circuit", "lv-feeder", "Built-in circuit name, or server-side path for the remote backend")
	c.Flags().StringVar(&baseURL, "base-url", "http://127.0.0.1:8080", "Solver service base URL (remote backend)")
	c.Flags().Float64Var(&rpcTimeout, "rpc-timeout", 5.0, "Solver service RPC timeout in seconds")
	c.Flags().Float64Var(&timestep, "timestep", 1.0, "Tick period in seconds")
	c.Flags().StringVar(&modbusHost, "modbus-host", "127.0.0.1", "Modbus listen host")
	c.Flags().IntVar(&modbusPort, "modbus-port", 5020, "Modbus listen port")
	c.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
}

// init sets up CLI flags and subcommands
func init() {
	addCommonFlags(runCmd)
	addCommonFlags(pointsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pointsCmd)
}
