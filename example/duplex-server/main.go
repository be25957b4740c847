// Command duplex-server runs an RPC server exposing the same registry over
// plain HTTP POST and over a duplex websocket, with Prometheus metrics and
// per-client rate limiting.
//
// Configuration comes from config.yaml next to the binary, with secrets
// loaded from a .env file when present.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mnehpets/onerpc/middleware"
	"github.com/mnehpets/onerpc/registry"
	"github.com/mnehpets/onerpc/server"
)

type config struct {
	Addr      string  `yaml:"addr"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	LogLevel  string  `yaml:"log_level"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{
		Addr:      ":8080",
		RateLimit: 50,
		RateBurst: 100,
		LogLevel:  "info",
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	_ = godotenv.Load()

	cfg, err := loadConfig("config.yaml")
	if err != nil {
		panic(err)
	}

	level, err := zerolog.ParseLevel(cfg.LevelOrDefault())
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	reg := registry.NewRegistry()
	reg.MustAdd(registry.MustFunc("echo", func(ctx context.Context, p struct {
		Message string `json:"message"`
	}) (string, error) {
		return p.Message, nil
	}))
	reg.MustAdd(registry.MustFunc("upper", func(ctx context.Context, p struct {
		Text string `json:"text"`
	}) (string, error) {
		return strings.ToUpper(p.Text), nil
	}))
	reg.MustAdd(registry.New("now", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	}))

	promReg := prometheus.NewRegistry()
	srv := server.New(reg,
		server.WithMiddlewares(append(middleware.Defaults(),
			middleware.RequestLogger(log),
			middleware.Metrics(promReg),
		)...),
		server.WithLogger(log),
	)
	ws := server.NewWSServer(srv, server.WithWSLogger(log))

	limiter := middleware.NewRateLimitProcessor(cfg.RateLimit, cfg.RateBurst, time.Minute)

	mux := http.NewServeMux()
	mux.Handle("/rpc", srv.HTTPHandler(limiter))
	mux.Handle("/ws", ws)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("starting server")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ws.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("websocket shutdown incomplete")
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
}

func (c *config) LevelOrDefault() string {
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}
