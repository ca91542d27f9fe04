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
	"github.com/starnet/blockchain/app/services/coordinator/handlers"
	"github.com/starnet/blockchain/business/web/v1/debug"
	"github.com/starnet/blockchain/foundation/blockchain/coordinator"
	"github.com/starnet/blockchain/foundation/console"
	"github.com/starnet/blockchain/foundation/events"
	"github.com/starnet/blockchain/foundation/logger"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags.
var build = "develop"

func main() {

	// Construct the application logger. Logs go to stderr so they do not
	// interleave with the console on stdout.
	log, err := logger.New("COORDINATOR", "stderr")
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
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
		}
		Network struct {
			Address          string        `conf:"default:0.0.0.0:5000"`
			NodeID           string        `conf:"default:coordinator"`
			JoinTimeout      time.Duration `conf:"default:10s"`
			HeartbeatTimeout time.Duration `conf:"default:60s"`
			MonitorInterval  time.Duration `conf:"default:30s"`
		}
		Chain struct {
			Difficulty      int           `conf:"default:4"`
			MempoolCapacity int           `conf:"default:1000"`
			TxPerBlock      int           `conf:"default:10"`
			Workers         int           `conf:"default:4"`
			MineTimeout     time.Duration `conf:"default:5m"`
		}
		Console bool `conf:"default:true"`
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "star network coordinator",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags.
	const prefix = "COORDINATOR"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	fmt.Println("================================================")
	fmt.Println("Coordinator Node Starting")
	fmt.Println("================================================")
	fmt.Printf("Listening: %s\n\n", cfg.Network.Address)

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Coordinator Support

	// The blockchain packages accept a function of this signature to allow the
	// application to log. These raw messages are also sent to any websocket
	// client that is connected into the system through the events package.
	evts := events.New()
	ev := logger.NewEventHandler(log, evts.Send)

	coord, err := coordinator.New(coordinator.Config{
		Address:          cfg.Network.Address,
		NodeID:           cfg.Network.NodeID,
		Difficulty:       cfg.Chain.Difficulty,
		MempoolCapacity:  cfg.Chain.MempoolCapacity,
		TxPerBlock:       cfg.Chain.TxPerBlock,
		Workers:          cfg.Chain.Workers,
		JoinTimeout:      cfg.Network.JoinTimeout,
		HeartbeatTimeout: cfg.Network.HeartbeatTimeout,
		MonitorInterval:  cfg.Network.MonitorInterval,
		EvHandler:        coordinator.EventHandler(ev),
	})
	if err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}
	defer coord.Shutdown()

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug v1 router started", "host", cfg.Web.DebugHost)

	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debug.Mux(build, log, coord.Running)); err != nil {
			log.Errorw("shutdown", "status", "debug v1 router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing V1 public API support")

	publicMux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		Coord:    coord,
		Evts:     evts,
	})

	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      publicMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Start Console

	// The console runs until the quit command or the end of stdin.
	consoleDone := make(chan error, 1)
	if cfg.Console {
		con := console.New(os.Stdin, os.Stdout, "> ")
		addCommands(con, coord, cfg.Chain.MineTimeout)
		con.Exec("help")

		go func() {
			consoleDone <- con.Run()
		}()
	}

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case err := <-consoleDone:
		if err != nil {
			log.Errorw("shutdown", "status", "console closed", "ERROR", err)
		}
		log.Infow("shutdown", "status", "shutdown started", "source", "console")

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
	}
	defer log.Infow("shutdown", "status", "shutdown complete")

	// Release any web sockets that are currently active.
	log.Infow("shutdown", "status", "shutdown web socket channels")
	evts.Shutdown()

	// Stop accepting peers and close every peer connection.
	log.Infow("shutdown", "status", "shutdown coordinator")
	coord.Shutdown()

	// Give outstanding requests a deadline for completion.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer cancel()

	// Asking listener to shut down and shed load.
	log.Infow("shutdown", "status", "shutdown public API started")
	if err := public.Shutdown(ctx); err != nil {
		public.Close()
		return fmt.Errorf("could not stop public service gracefully: %w", err)
	}

	return nil
}
