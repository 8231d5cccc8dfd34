package main

import (
	"context"
	"flag"
	"os"
	"time"

	"househub/simulator"

	"github.com/rs/zerolog"
)

func main() {
	config := simulator.DefaultConfig()

	flag.IntVar(&config.NumUsers, "users", config.NumUsers, "number of simulated users")
	flag.DurationVar(&config.SimulationTime, "duration", config.SimulationTime, "how long to run")
	flag.Float64Var(&config.MessageFrequency, "messages", config.MessageFrequency, "messages per user per hour")
	flag.Float64Var(&config.ReadFrequency, "reads", config.ReadFrequency, "inbox checks per user per hour")
	flag.StringVar(&config.ServerURL, "url", config.ServerURL, "server base URL")
	flag.Parse()

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.JWTSecret = secret
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	logger.Info().
		Str("server_url", config.ServerURL).
		Int("users", config.NumUsers).
		Dur("duration", config.SimulationTime).
		Float64("messages_per_hour", config.MessageFrequency).
		Float64("reads_per_hour", config.ReadFrequency).
		Float64("disconnect_rate", config.DisconnectRate).
		Float64("reconnect_rate", config.ReconnectRate).
		Float64("zipf_s", config.ZipfS).
		Msg("starting simulation")

	sim := simulator.NewSimulator(config, logger)
	ctx, cancel := context.WithTimeout(context.Background(), config.SimulationTime)
	defer cancel()

	if err := sim.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("simulation failed")
	}

	m := sim.GetMetrics()
	logger.Info().
		Int("total_users", m.TotalUsers).
		Int("active_users", m.ActiveUsers).
		Int64("requests", m.TotalRequests).
		Int64("failed_requests", m.FailedRequests).
		Int64("messages_sent", m.MessagesSent).
		Int64("messages_received", m.MessagesReceived).
		Int64("typing_received", m.TypingReceived).
		Int64("inbox_reads", m.InboxReads).
		Dur("avg_request_latency", m.AvgRequestLatency).
		Dur("p95_request_latency", m.P95RequestLatency).
		Dur("avg_delivery_latency", m.AvgDeliveryLatency).
		Msg("simulation completed")
}
