package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/google/uuid"
	"github.com/starnet/blockchain/business/web/v1/debug"
	"github.com/starnet/blockchain/foundation/blockchain/node"
	"github.com/starnet/blockchain/foundation/console"
	"github.com/starnet/blockchain/foundation/logger"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags.
var build = "develop"

func main() {

	// Construct the application logger. Logs go to stderr so they do not
	// interleave with the console on stdout.
	log, err := logger.New("NODE", "stderr")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			DebugHost string `conf:"default:0.0.0.0:7180"`
		}
		Network struct {
			Coordinator       string        `conf:"default:127.0.0.1:5000"`
			NodeID            string        `conf:"help:defaults to node_ and a random suffix"`
			Address           string        `conf:"help:advertised address, defaults to the local socket address"`
			HeartbeatInterval time.Duration `conf:"default:10s"`
			DialTimeout       time.Duration `conf:"default:5s"`
			DialRetries       uint64        `conf:"default:5"`
			ConnectTimeout    time.Duration `conf:"default:30s"`
			SeenCacheSize     int           `conf:"default:100"`
		}
		Chain struct {
			Difficulty      int           `conf:"default:4"`
			MempoolCapacity int           `conf:"default:1000"`
			TxPerBlock      int           `conf:"default:10"`
			Workers         int           `conf:"default:4"`
			MineTimeout     time.Duration `conf:"default:5m"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "star network regular node",
		},
	}

	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Network.NodeID == "" {
		cfg.Network.NodeID = "node_" + uuid.NewString()[:8]
	}

	// =========================================================================
	// App Starting

	fmt.Println("================================================")
	fmt.Println("Regular Node Starting")
	fmt.Println("================================================")
	fmt.Printf("Node ID: %s\n", cfg.Network.NodeID)
	fmt.Printf("Coordinator: %s\n\n", cfg.Network.Coordinator)

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Node Support

	nd, err := node.New(node.Config{
		CoordinatorAddress: cfg.Network.Coordinator,
		NodeID:             cfg.Network.NodeID,
		Address:            cfg.Network.Address,
		Difficulty:         cfg.Chain.Difficulty,
		MempoolCapacity:    cfg.Chain.MempoolCapacity,
		TxPerBlock:         cfg.Chain.TxPerBlock,
		Workers:            cfg.Chain.Workers,
		HeartbeatInterval:  cfg.Network.HeartbeatInterval,
		DialTimeout:        cfg.Network.DialTimeout,
		DialRetries:        cfg.Network.DialRetries,
		SeenCacheSize:      cfg.Network.SeenCacheSize,
		EvHandler:          logger.NewEventHandler(log),
	})
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Network.ConnectTimeout)
	defer cancel()

	if err := nd.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to coordinator: %w", err)
	}
	defer nd.Shutdown()

	fmt.Println("Waiting for initial sync...")
	if err := nd.RequestSync(); err != nil {
		return fmt.Errorf("requesting sync: %w", err)
	}

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug v1 router started", "host", cfg.Web.DebugHost)

	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debug.Mux(build, log, nd.Running)); err != nil {
			log.Errorw("shutdown", "status", "debug v1 router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Start Console

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	con := console.New(os.Stdin, os.Stdout, nd.ID()+"> ")
	addCommands(con, nd, cfg.Chain.MineTimeout)
	con.Exec("help")

	consoleDone := make(chan error, 1)
	go func() {
		consoleDone <- con.Run()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-consoleDone:
		if err != nil {
			log.Errorw("shutdown", "status", "console closed", "ERROR", err)
		}
		log.Infow("shutdown", "status", "shutdown started", "source", "console")

	case <-nd.Done():
		fmt.Println("\nConnection to coordinator lost, shutting down node...")
		log.Infow("shutdown", "status", "shutdown started", "source", "coordinator session ended")

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
	}

	return nil
}
