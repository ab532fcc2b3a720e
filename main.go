package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"

	"rtspjpeg/config"
	"rtspjpeg/logging"
	"rtspjpeg/rtspserver"
	"rtspjpeg/rtspsession"
	"rtspjpeg/statusapi"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "RTSP JPEG Streaming Core"
	AppVersion        = "1.0.0"
)

// Application wires together the session registry, the RTSP server's
// connection layer, and the status monitoring surface. The RTSP server
// itself owns each session's RTP sender; Application only owns the pieces
// that live for the process's whole lifetime.
type Application struct {
	config *config.Config
	logger *zap.Logger

	registry   *rtspsession.Registry
	rtspServer *rtspserver.Server
	status     *statusapi.Server
}

// main implements the CLI entrypoint of spec.md §6: `<port> [<resource_path>]`,
// with `-h`/`-help` usage and a "quit" stdin shutdown prompt. Argument
// parsing ergonomics beyond this are a named Non-goal (SPEC_FULL.md §4); the
// process entrypoint itself is ambient scaffolding, not excluded.
func main() {
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		help       = flag.Bool("h", false, "Show help information")
		helpLong   = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *help || *helpLong {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Usage: rtspjpeg <port> [<resource_path>]")
		flag.PrintDefaults()
		os.Exit(0)
	}

	args := flag.Args()
	port := 554
	resourceRoot := "."
	if len(args) >= 1 {
		if _, err := fmt.Sscanf(args[0], "%d", &port); err != nil {
			fmt.Printf("invalid port %q\n", args[0])
			os.Exit(1)
		}
	}
	if len(args) >= 2 {
		resourceRoot = args[1]
	}

	logger, err := logging.New(*logLevel, "logs", 20)
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	cfg.Server.Port = port
	cfg.Server.ResourceRoot = resourceRoot

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to construct application", zap.Error(err))
	}
	if err := app.Start(); err != nil {
		logger.Fatal("failed to start application", zap.Error(err))
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	quitCh := make(chan struct{})
	go watchForQuit(quitCh)

	select {
	case sig := <-signalCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-quitCh:
		logger.Info("quit typed at stdin prompt")
	}

	logger.Info("shutting down...")
	app.Stop()
	logger.Info("shutdown complete")
}

// watchForQuit implements spec.md §6's stdin shutdown prompt: typing "quit"
// and pressing enter triggers the same graceful shutdown as a signal.
func watchForQuit(quitCh chan<- struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if scanner.Text() == "quit" {
			close(quitCh)
			return
		}
	}
}

// NewApplication constructs an Application from cfg, wiring the session
// registry into both the RTSP server and the status API so they observe the
// same live session state. It fails loudly if cfg.Server.ResourceRoot
// doesn't exist, per spec.md §7.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	registry := rtspsession.NewRegistry()

	handler := &rtspserver.Handler{
		Registry:      registry,
		ResourceRoot:  cfg.Server.ResourceRoot,
		ClientPortMin: cfg.RTP.MinClientPort,
		ClientPortMax: cfg.RTP.MaxClientPort,
		Logger:        logger.Named("rtspserver"),
	}

	rtspServer, err := rtspserver.NewServer(handler, logger.Named("rtspserver"))
	if err != nil {
		return nil, err
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		registry:   registry,
		rtspServer: rtspServer,
		status:     statusapi.NewServer(registry, logger.Named("statusapi")),
	}, nil
}

// Start binds the RTSP server's TCP/UDP sockets and, if enabled, the status
// HTTP/WebSocket surface.
func (a *Application) Start() error {
	if err := a.rtspServer.ListenAndServe(a.config.Server.BindAddress, a.config.Server.Port); err != nil {
		return fmt.Errorf("failed to start rtsp server: %w", err)
	}
	a.logger.Info("rtsp server listening",
		zap.String("bind_address", a.config.Server.BindAddress),
		zap.Int("port", a.config.Server.Port),
		zap.String("resource_root", a.config.Server.ResourceRoot))

	if a.config.Status.Enabled {
		addr := fmt.Sprintf("%s:%d", a.config.Status.BindAddress, a.config.Status.Port)
		if err := a.status.Start(addr); err != nil {
			return fmt.Errorf("failed to start status api: %w", err)
		}
	}

	return nil
}

// Stop shuts every component down. statusapi.Server.Stop already bounds
// itself to a grace period internally (see statusapi.Server.Stop).
func (a *Application) Stop() {
	a.rtspServer.Shutdown()

	if a.config.Status.Enabled {
		if err := a.status.Stop(); err != nil {
			a.logger.Error("error stopping status api", zap.Error(err))
		}
	}
}
