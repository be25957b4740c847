package main

import (
	"context"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/mnehpets/onerpc/middleware"
	"github.com/mnehpets/onerpc/registry"
	"github.com/mnehpets/onerpc/server"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	reg := registry.NewRegistry()
	reg.MustAdd(registry.MustFunc("math.add", func(ctx context.Context, p struct {
		A int `json:"a"`
		B int `json:"b"`
	}) (int, error) {
		return p.A + p.B, nil
	}))
	reg.MustAdd(registry.MustFunc("math.sub", func(ctx context.Context, p struct {
		A int `json:"a"`
		B int `json:"b"`
	}) (int, error) {
		return p.A - p.B, nil
	}))

	srv := server.New(reg,
		server.WithMiddlewares(append(middleware.Defaults(), middleware.RequestLogger(log))...),
		server.WithLogger(log),
	)

	http.Handle("/rpc", srv.HTTPHandler())

	log.Info().Str("addr", ":8080").Msg("starting server")
	if err := http.ListenAndServe(":8080", nil); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
