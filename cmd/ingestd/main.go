package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/santhoshcv/fleetpulse-server/internal/metrics"
	"github.com/santhoshcv/fleetpulse-server/internal/server"
	"github.com/santhoshcv/fleetpulse-server/internal/store"

	_ "net/http/pprof"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddrs = ":5010,:5027"
	defaultMetricsAddr = ":8080"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	// Start pprof server
	if cfg.EnablePprof {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	// Start prometheus metrics server
	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach postgres: %w", err)
	}

	gateway := store.NewPostgres(pool, log)
	if cfg.EnsureSchema {
		if err := gateway.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
		log.Info("schema ensured")
	}

	imeis, err := gateway.RegisteredIMEIs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load registered devices: %w", err)
	}
	log.Info("registered devices loaded", "count", len(imeis))

	var listeners []net.Listener
	for _, addr := range cfg.ListenAddrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		log.Info("listening for device connections", "address", ln.Addr())
		listeners = append(listeners, ln)
	}

	srv, err := server.New(&server.Config{
		Logger:    log,
		Store:     gateway,
		Listeners: listeners,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	cctx, ccancel := context.WithCancelCause(ctx)
	errCh := srv.Start(cctx, ccancel)
	defer ccancel(nil)

	select {
	case <-ctx.Done():
		log.Info("context cancelled, waiting for server to stop")
		return <-errCh
	case err := <-errCh:
		return err
	}
}

type Config struct {
	ShowVersion bool
	Verbose     bool
	EnablePprof bool
	MetricsAddr string

	ListenAddrs  []string
	DatabaseURL  string
	EnsureSchema bool
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	var listenCSV string

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.BoolVar(&cfg.EnablePprof, "enable-pprof", false, "enable pprof server")

	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address to listen on for prometheus metrics (env: METRICS_ADDR)")
	flag.StringVar(&listenCSV, "listen", getenv("LISTEN_ADDRS", defaultListenAddrs), "device listen addresses csv (env: LISTEN_ADDRS)")
	flag.StringVar(&cfg.DatabaseURL, "database-url", getenv("DATABASE_URL", ""), "postgres connection url (env: DATABASE_URL)")
	flag.BoolVar(&cfg.EnsureSchema, "ensure-schema", getenvBool("ENSURE_SCHEMA", false), "create tables at startup if missing (env: ENSURE_SCHEMA)")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	cfg.ListenAddrs = splitCSV(listenCSV)
	if len(cfg.ListenAddrs) == 0 {
		return Config{}, fmt.Errorf("listen addresses is empty (set LISTEN_ADDRS or --listen)")
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = postgresURLFromParts()
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url is empty (set DATABASE_URL or --database-url)")
	}

	return cfg, nil
}

// postgresURLFromParts assembles a connection URL from the discrete
// POSTGRES_* variables used by the container images.
func postgresURLFromParts() string {
	host := getenv("POSTGRES_HOST", "")
	if host == "" {
		return ""
	}
	user := getenv("POSTGRES_USER", "postgres")
	pass := getenv("POSTGRES_PASSWORD", "")
	port := getenv("POSTGRES_PORT", "5432")
	db := getenv("POSTGRES_DB", "fleetpulse")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, db)
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
