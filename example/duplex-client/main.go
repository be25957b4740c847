// Command duplex-client connects to the duplex-server example over a
// websocket, issues single and batch calls, and serves calls the peer makes
// back on the same connection.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mnehpets/onerpc/client"
	"github.com/mnehpets/onerpc/registry"
	"github.com/mnehpets/onerpc/server"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	// Methods the server may call back on this connection.
	reg := registry.NewRegistry()
	reg.MustAdd(registry.MustFunc("ping", func(ctx context.Context, _ struct{}) (string, error) {
		return "pong", nil
	}))
	callback := server.New(reg, server.WithLogger(log))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := client.DialStream(ctx, "ws://localhost:8080/ws",
		client.WithStreamLogger(log),
		client.WithCallTimeout(10*time.Second),
		client.WithRequestHandler(func(ctx context.Context, payload any, extra map[string]any) (any, bool) {
			return callback.DispatchPayload(ctx, payload, extra)
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("dial failed")
	}
	defer c.Close()

	result, err := c.CallNamed(ctx, "echo", map[string]any{"message": "hello"})
	if err != nil {
		log.Fatal().Err(err).Msg("echo failed")
	}
	log.Info().Interface("result", result).Msg("echo")

	results, err := c.Batch(ctx,
		client.NamedCall("upper", map[string]any{"text": "hello"}),
		client.NewCall("now"),
		client.Notification("echo", "fire and forget"),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("batch failed")
	}
	for i, r := range results {
		log.Info().Int("slot", i).Interface("result", r).Msg("batch result")
	}

	if err := c.Notify(ctx, "echo", "bye"); err != nil {
		log.Warn().Err(err).Msg("notify failed")
	}
}
