package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/zde37/simpledht/internal/api"
	"github.com/zde37/simpledht/internal/chord"
	"github.com/zde37/simpledht/internal/config"
	"github.com/zde37/simpledht/internal/discovery"
	"github.com/zde37/simpledht/internal/telemetry"
	"github.com/zde37/simpledht/internal/transport"
	"github.com/zde37/simpledht/pkg"
)

func main() {
	defaults := config.DefaultConfig()

	// Parse command-line flags
	host := flag.String("host", defaults.Host, "Host address to bind to and advertise")
	port := flag.Int("port", defaults.Port, "Port for peer TCP traffic")
	httpPort := flag.Int("http-port", defaults.HTTPPort, "Port for HTTP API server")
	healthPort := flag.Int("health-port", defaults.HealthPort, "Port for gRPC health service (0 disables it)")
	bootstrap := flag.String("bootstrap", "", "Bootstrap node address (host:port); empty starts a new ring")
	etcdEndpoints := flag.String("etcd", "", "Comma-separated etcd endpoints used to elect the bootstrap node")
	dataDir := flag.String("data-dir", "", "Directory for file-backed storage; empty keeps entries in memory")
	dialTimeout := flag.Duration("dial-timeout", defaults.DialTimeout, "Timeout for opening a peer connection")
	requestTimeout := flag.Duration("request-timeout", defaults.RequestTimeout, "Upper bound on a single HTTP request")
	maxFrameSize := flag.Int("max-frame-size", defaults.MaxFrameSize, "Largest accepted wire frame in bytes")
	logLevel := flag.String("log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", defaults.LogFormat, "Log format (json, console)")
	logFile := flag.String("log-file", "", "Optional rotating log file")
	flag.Parse()

	cfg := &config.Config{
		Host:           *host,
		Port:           *port,
		HTTPPort:       *httpPort,
		HealthPort:     *healthPort,
		Bootstrap:      *bootstrap,
		EtcdEndpoints:  splitEndpoints(*etcdEndpoints),
		DataDir:        *dataDir,
		DialTimeout:    *dialTimeout,
		RequestTimeout: *requestTimeout,
		MaxFrameSize:   *maxFrameSize,
		LogLevel:       *logLevel,
		LogFormat:      *logFormat,
		LogFile:        *logFile,
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Node exited with error")
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func run(cfg *config.Config, logger *pkg.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("address", cfg.Address()).
		Int("http_port", cfg.HTTPPort).
		Int("health_port", cfg.HealthPort).
		Msg("Starting SimpleDHT node")

	storage, err := newStorage(cfg)
	if err != nil {
		return err
	}

	metrics := telemetry.New()

	node, err := chord.NewNode(chord.StaticIdentity(cfg.Address()), storage, logger, chord.Options{Metrics: metrics})
	if err != nil {
		storage.Close()
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer func() {
		if err := node.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Error shutting down node")
		}
	}()

	client := transport.NewClient(logger, cfg.DialTimeout, cfg.MaxFrameSize)
	defer client.Close()
	node.SetRemote(client)

	tcpServer, err := transport.NewServer(node, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), cfg.MaxFrameSize, logger)
	if err != nil {
		return fmt.Errorf("failed to create peer server: %w", err)
	}
	if err := tcpServer.Start(); err != nil {
		return fmt.Errorf("failed to start peer server: %w", err)
	}
	defer func() {
		if err := tcpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping peer server")
		}
	}()

	httpServer, err := api.NewServer(&api.Config{
		HTTPPort:       cfg.HTTPPort,
		RequestTimeout: cfg.RequestTimeout,
	}, node, metrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create HTTP API server: %w", err)
	}
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP API server: %w", err)
	}
	defer func() {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}()
	node.SetBroadcaster(httpServer.Hub())

	var healthServer *api.HealthServer
	if cfg.HealthPort > 0 {
		healthServer, err = api.NewHealthServer(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HealthPort)), logger)
		if err != nil {
			return fmt.Errorf("failed to create health server: %w", err)
		}
		if err := healthServer.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer healthServer.Stop()
	}

	resolver, err := newResolver(cfg, logger)
	if err != nil {
		return err
	}
	defer resolver.Close()

	resolveCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	bootstrapAddr, err := resolver.Resolve(resolveCtx, cfg.Address())
	cancel()
	if err != nil {
		return fmt.Errorf("failed to resolve bootstrap node: %w", err)
	}

	if err := node.Join(ctx, bootstrapAddr); err != nil {
		return fmt.Errorf("failed to join ring: %w", err)
	}

	if bootstrapAddr == "" {
		logger.Info().Msg("Started new ring")
		markServing(healthServer)
	} else {
		go func() {
			if err := node.WaitInRing(ctx); err != nil {
				return
			}
			logger.Info().
				Str("predecessor", pointerID(node.Predecessor())).
				Str("successor", pointerID(node.Successor())).
				Msg("Joined ring")
			markServing(healthServer)
		}()
	}

	logger.Info().Msg("SimpleDHT node is ready")

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal, starting graceful shutdown")
	if healthServer != nil {
		healthServer.MarkServing(false)
	}
	return nil
}

func newStorage(cfg *config.Config) (pkg.Storage, error) {
	if cfg.DataDir == "" {
		return pkg.NewMemoryStorage(), nil
	}
	storage, err := pkg.NewFileStorage(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open data directory: %w", err)
	}
	return storage, nil
}

func newResolver(cfg *config.Config, logger *pkg.Logger) (discovery.Resolver, error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return discovery.StaticResolver{Bootstrap: cfg.Bootstrap}, nil
	}

	cli, err := discovery.NewClient(cfg.EtcdEndpoints, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	resolver, err := discovery.NewEtcdResolver(cli, cli, discovery.DefaultLeaseTTL, logger)
	if err != nil {
		cli.Close()
		return nil, err
	}
	return &etcdResolver{EtcdResolver: resolver, close: cli.Close}, nil
}

// etcdResolver also closes the etcd client it owns.
type etcdResolver struct {
	*discovery.EtcdResolver
	close func() error
}

func (r *etcdResolver) Close() error {
	err := r.EtcdResolver.Close()
	if cerr := r.close(); err == nil {
		err = cerr
	}
	return err
}

func markServing(hs *api.HealthServer) {
	if hs != nil {
		hs.MarkServing(true)
	}
}

func pointerID(p chord.Pointer, ok bool) string {
	if !ok {
		return ""
	}
	return p.ID
}

func splitEndpoints(s string) []string {
	var out []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}
