// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/devicelab/devicelab"
	"github.com/hashicorp/devicelab/devicelab/monitor"
	"github.com/hashicorp/devicelab/devicelab/planner"
	"github.com/hashicorp/devicelab/devicelab/resolver"
	"github.com/hashicorp/devicelab/devicelab/structs"
)

// AgentCommand runs the controller until it is signalled or killed over
// RPC.
type AgentCommand struct {
	Meta

	rpcAddr         string
	dataDir         string
	devMode         bool
	logLevel        string
	sessionWorkers  int
	shuffleDevices  bool
	fleetConfig     string
	monitorURL      string
	monitorInterval time.Duration
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: devicelab agent [options]

  Starts the devicelab controller: the device scheduler, the session
  manager and the RPC endpoint consoles connect to.

Options:

  -bind=<addr>
    Address the RPC listener binds to. Defaults to 127.0.0.1:7030.

  -data-dir=<path>
    Directory holding the allocation database. Required unless -dev.

  -dev
    Run with in-memory state; nothing survives a restart.

  -log-level=<level>
    Log verbosity: TRACE, DEBUG, INFO, WARN or ERROR. Defaults to INFO.

  -session-workers=<n>
    Number of sessions executing concurrently.

  -shuffle-devices
    Randomize device order within a lab when allocating.

  -fleet-config=<path>
    JSON file describing the labs and devices to register at startup.

  -monitor-url=<url>
    Endpoint receiving periodic fleet snapshots. Disabled when empty.

  -monitor-interval=<dur>
    Snapshot publish period. Defaults to 1m.
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Runs the devicelab controller"
}

func (c *AgentCommand) Name() string { return "agent" }

func (c *AgentCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }

	flags.StringVar(&c.rpcAddr, "bind", "", "")
	flags.StringVar(&c.dataDir, "data-dir", "", "")
	flags.BoolVar(&c.devMode, "dev", false, "")
	flags.StringVar(&c.logLevel, "log-level", "", "")
	flags.IntVar(&c.sessionWorkers, "session-workers", 0, "")
	flags.BoolVar(&c.shuffleDevices, "shuffle-devices", false, "")
	flags.StringVar(&c.fleetConfig, "fleet-config", "", "")
	flags.StringVar(&c.monitorURL, "monitor-url", "", "")
	flags.DurationVar(&c.monitorInterval, "monitor-interval", 0, "")

	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) > 0 {
		c.Ui.Error(fmt.Sprintf("Unexpected arguments: %v", flags.Args()))
		return 1
	}

	config, err := c.serverConfig()
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	srv, err := devicelab.NewServer(config)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting server: %s", err))
		return 1
	}
	defer srv.Shutdown()

	c.registerPlugins(config.Logger, srv)

	if c.fleetConfig != "" {
		if err := c.loadFleet(srv); err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading fleet config: %s", err))
			return 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if c.monitorURL != "" {
		pipeline := monitor.NewPipeline(&monitor.Config{
			Logger:       config.Logger,
			Puller:       monitor.NewFleetPuller(srv.Scheduler().Snapshot),
			Sink:         monitor.NewHTTPSink(c.monitorURL, nil),
			PullInterval: c.monitorInterval,
		})
		go pipeline.Run(ctx)
	}

	c.Ui.Output(fmt.Sprintf("==> devicelab agent started! RPC address: %s, PID: %d",
		srv.RPCAddr(), os.Getpid()))

	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		c.Ui.Output(fmt.Sprintf("Caught signal: %v, shutting down", sig))
		if err := srv.Shutdown(); err != nil {
			c.Ui.Error(fmt.Sprintf("Error during shutdown: %s", err))
			return 1
		}
	case <-srv.ShutdownCh():
		// Stopped over RPC.
	}
	return 0
}

func (c *AgentCommand) serverConfig() (*devicelab.Config, error) {
	config := devicelab.DefaultConfig()

	if c.rpcAddr != "" {
		config.RPCAddr = c.rpcAddr
	}
	if c.logLevel != "" {
		config.LogLevel = c.logLevel
	}
	if c.sessionWorkers > 0 {
		config.SessionWorkers = c.sessionWorkers
	}
	config.DevMode = c.devMode
	config.ShuffleDevices = c.shuffleDevices

	if !c.devMode {
		if c.dataDir == "" {
			return nil, fmt.Errorf("Must specify -data-dir unless running in -dev mode")
		}
		config.DataDir = c.dataDir
	}

	config.Logger = hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   "devicelab",
		Level:  hclog.LevelFromString(config.LogLevel),
		Output: config.LogOutput,
	})
	return config, nil
}

// registerPlugins wires the session-request planner, backed by the
// resolver chain for remote suite roots.
func (c *AgentCommand) registerPlugins(logger hclog.InterceptLogger, srv *devicelab.Server) {
	cacheDir := filepath.Join(os.TempDir(), "devicelab-resolver")
	if c.dataDir != "" {
		cacheDir = filepath.Join(c.dataDir, "resolver")
	}

	chain := resolver.NewChain(logger, 0,
		resolver.NewHTTPResolver("http", cacheDir, 10*time.Minute, nil),
		resolver.NewHTTPResolver("https", cacheDir, 10*time.Minute, nil),
		resolver.NewLocalFileResolver(),
	)

	srv.RegisterSessionPlugin(planner.NewPlugin(&planner.PluginConfig{
		Logger:   logger,
		Planner:  planner.New(&planner.Config{Logger: logger}),
		Devices:  srv.Scheduler(),
		Resolver: resolver.NewCachingResolver(logger, chain),
	}))
}

// fleetFile is the on-disk shape of -fleet-config.
type fleetFile struct {
	Labs []struct {
		IP       string            `json:"ip"`
		HostName string            `json:"host_name"`
		Labels   map[string]string `json:"labels"`
		Devices  []struct {
			ID         string            `json:"id"`
			Types      []string          `json:"types"`
			Owners     []string          `json:"owners"`
			Dimensions map[string]string `json:"dimensions"`
		} `json:"devices"`
	} `json:"labs"`
}

func (c *AgentCommand) loadFleet(srv *devicelab.Server) error {
	data, err := os.ReadFile(c.fleetConfig)
	if err != nil {
		return err
	}

	var fleet fleetFile
	if err := json.Unmarshal(data, &fleet); err != nil {
		return fmt.Errorf("parsing %s: %w", c.fleetConfig, err)
	}

	for _, lab := range fleet.Labs {
		if lab.IP == "" {
			return fmt.Errorf("parsing %s: lab with empty ip", c.fleetConfig)
		}
		l := &structs.Lab{IP: lab.IP, HostName: lab.HostName, Labels: lab.Labels}
		srv.Scheduler().UpsertLab(l)
		for _, device := range lab.Devices {
			srv.Scheduler().UpsertDevice(&structs.Device{
				ID:         device.ID,
				Types:      device.Types,
				Owners:     device.Owners,
				Dimensions: device.Dimensions,
			}, l)
		}
	}
	return nil
}
