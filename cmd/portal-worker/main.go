package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	portalworker "github.com/always-cache/portal-worker"
	"github.com/always-cache/portal-worker/cache"
	tee "github.com/always-cache/portal-worker/pkg/response-writer-tee"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	providerFlag       string
	dbFilenameFlag     string
	staticDirFlag      string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to YAML config file")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache provider to use (memory, sqlite, leveldb)")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file or directory (use 'memory' for in-memory db)")
	flag.StringVar(&staticDirFlag, "static-dir", "", "Serve the portal scope from this directory instead of the network")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("build", version).Logger()

	config, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}

	provider, err := openProvider(providerFlag, dbFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Str("provider", providerFlag).Msg("Could not open cache provider")
	}
	defer provider.Close()

	network, err := newNetwork(config.Scope, staticDirFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up network")
	}

	logger := log.Logger
	config.Cache = provider
	config.Network = network
	config.Logger = &logger
	config.Host = portalworker.NewLogHost(logger)

	// the update route reloads the config file, so a new version can be rolled out
	build := func(ctx context.Context) (*portalworker.Worker, error) {
		next := config
		if configFilenameFlag != "" {
			reloaded, err := portalworker.LoadConfig(configFilenameFlag)
			if err != nil {
				return nil, err
			}
			reloaded.Cache, reloaded.Network = config.Cache, config.Network
			reloaded.Logger, reloaded.Host = config.Logger, config.Host
			next = reloaded
		}
		return portalworker.NewWorker(next)
	}

	registration := portalworker.NewRegistration(&logger)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if worker, err := build(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not create worker")
	} else if err := registration.Register(ctx, worker); err != nil {
		// keep serving as a plain proxy; a later update may succeed
		log.Error().Err(err).Msg("Initial worker registration failed")
	}

	server, err := portalworker.NewServer(registration, config, build)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create server")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", portFlag),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Msgf("Proxying port %v to %s (API %s)", portFlag, config.Scope, config.APIOrigin)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()

	if err := shutdown(srv, 10*time.Second); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
}

// shutdown stops srv, giving in-flight requests up to timeout to finish.
func shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func loadConfig() (portalworker.Config, error) {
	if configFilenameFlag == "" {
		return portalworker.DefaultConfig(), nil
	}
	return portalworker.LoadConfig(configFilenameFlag)
}

func openProvider(provider, filename string) (cache.CacheProvider, error) {
	switch provider {
	case "memory":
		return cache.NewMemCache(), nil
	case "sqlite":
		return cache.NewSQLiteCache(filename)
	case "leveldb":
		if filename == "memory" {
			return cache.NewMemLevelDBCache()
		}
		return cache.NewLevelDBCache(filename)
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", provider)
	}
}

// newNetwork returns the transport for network fetches.
// With a static directory, requests for the scope host are served from it.
func newNetwork(scope, staticDir string) (http.RoundTripper, error) {
	if staticDir == "" {
		return http.DefaultTransport, nil
	}
	scopeURL, err := url.Parse(scope)
	if err != nil {
		return nil, err
	}
	return hostTransport{
		hosts: map[string]http.RoundTripper{
			scopeURL.Host: tee.HandlerTransport{Handler: http.FileServer(http.Dir(staticDir))},
		},
		fallback: http.DefaultTransport,
	}, nil
}

// hostTransport picks a transport by request host.
type hostTransport struct {
	hosts    map[string]http.RoundTripper
	fallback http.RoundTripper
}

func (h hostTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt, ok := h.hosts[req.URL.Host]; ok {
		return rt.RoundTrip(req)
	}
	return h.fallback.RoundTrip(req)
}
