package simulator

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"househub/internal/api"
	"househub/internal/cache"
	"househub/internal/database"
	"househub/internal/handlers"
	"househub/internal/messaging"
	"househub/internal/middleware"
	"househub/internal/realtime"
	"househub/internal/utils"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "simulator-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	metrics := utils.NewMetricsCollector()
	store := database.NewMemoryStore()
	relay := realtime.NewRelay(logger, metrics)
	t.Cleanup(relay.Stop)

	svc := messaging.NewService(store, logger,
		messaging.WithCache(cache.NewMemoryCache(), time.Minute),
		messaging.WithNotifier(relay),
		messaging.WithMetrics(metrics),
	)
	cors := middleware.DefaultCORSConfig(nil)
	server := handlers.NewServer(svc, store, relay, middleware.NewTokenManager(testSecret, time.Hour), metrics, cors, logger)

	srv := httptest.NewServer(api.NewRouter(server, api.RouterOptions{CORS: cors}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSimulatorExchangesMessages(t *testing.T) {
	srv := newTestServer(t)

	config := DefaultConfig()
	config.NumUsers = 4
	config.SimulationTime = 1500 * time.Millisecond
	config.TickInterval = 50 * time.Millisecond
	config.MessageFrequency = 3600 / config.TickInterval.Seconds() // every tick
	config.ReadFrequency = config.MessageFrequency / 2
	config.TypingRate = 1
	config.DisconnectRate = 0
	config.ReconnectRate = 0
	config.ServerURL = srv.URL
	config.JWTSecret = testSecret

	sim := NewSimulator(config, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), config.SimulationTime)
	defer cancel()
	require.NoError(t, sim.Run(ctx))

	m := sim.GetMetrics()
	assert.Equal(t, 4, m.TotalUsers)
	assert.Zero(t, m.ActiveUsers, "connections are closed when the run ends")
	assert.Greater(t, m.MessagesSent, int64(0))
	assert.Greater(t, m.MessagesReceived, int64(0))
	assert.Greater(t, m.TypingReceived, int64(0))
	assert.Greater(t, m.InboxReads, int64(0))
	assert.Greater(t, m.AvgRequestLatency, time.Duration(0))
}

func TestSimulatorRejectsBadConfig(t *testing.T) {
	config := DefaultConfig()
	config.NumUsers = 1
	assert.Error(t, NewSimulator(config, zerolog.Nop()).Run(context.Background()))

	config = DefaultConfig()
	config.ZipfS = 1
	assert.Error(t, NewSimulator(config, zerolog.Nop()).Run(context.Background()))
}

func TestPercentile(t *testing.T) {
	samples := []time.Duration{5, 1, 4, 2, 3}
	assert.Equal(t, time.Duration(3), average(samples))
	assert.Equal(t, time.Duration(5), percentile(samples, 1))
	assert.Equal(t, time.Duration(1), percentile(samples, 0))
	assert.Zero(t, percentile(nil, 0.95))
}
