package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"househub/internal/middleware"
	"househub/internal/models"
	"househub/internal/realtime"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type SimConfig struct {
	NumUsers         int
	SimulationTime   time.Duration
	MessageFrequency float64 // messages per connected user per hour
	ReadFrequency    float64 // inbox checks per connected user per hour
	TypingRate       float64 // share of sends preceded by a typing indicator
	DisconnectRate   float64
	ReconnectRate    float64
	ZipfS            float64
	TickInterval     time.Duration
	Workers          int
	ServerURL        string
	JWTSecret        string
}

// DefaultConfig is a small local run against a development server.
func DefaultConfig() SimConfig {
	return SimConfig{
		NumUsers:         50,
		SimulationTime:   5 * time.Minute,
		MessageFrequency: 120,
		ReadFrequency:    60,
		TypingRate:       0.5,
		DisconnectRate:   0.01,
		ReconnectRate:    0.05,
		ZipfS:            1.07,
		TickInterval:     500 * time.Millisecond,
		Workers:          5,
		ServerURL:        "http://localhost:5000",
		JWTSecret:        "househub-development-secret",
	}
}

type SimulationStats struct {
	mu                sync.RWMutex
	StartTime         time.Time
	TotalRequests     int64
	SuccessRequests   int64
	FailedRequests    int64
	MessagesSent      int64
	MessagesReceived  int64
	TypingReceived    int64
	InboxReads        int64
	RequestLatencies  []time.Duration
	DeliveryLatencies []time.Duration
}

// SimulatedUser is one participant. Users are identified by minted tokens;
// the server does not know them beyond their id.
type SimulatedUser struct {
	ID    uuid.UUID
	Token string

	mu          sync.Mutex
	conn        *websocket.Conn
	isConnected bool
}

func (u *SimulatedUser) online() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.isConnected
}

// writeFrame sends on the user's websocket. Gorilla allows one writer at a
// time, hence the lock.
func (u *SimulatedUser) writeFrame(event string, payload interface{}) error {
	raw, err := realtime.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return fmt.Errorf("user %s is offline", u.ID)
	}
	return u.conn.WriteMessage(websocket.TextMessage, raw)
}

type Simulator struct {
	config SimConfig
	stats  *SimulationStats
	users  []*SimulatedUser
	client *http.Client
	dialer *websocket.Dialer
	log    zerolog.Logger

	rngMu sync.Mutex
	zipf  *rand.Zipf
}

func NewSimulator(config SimConfig, logger zerolog.Logger) *Simulator {
	if config.TickInterval <= 0 {
		config.TickInterval = 500 * time.Millisecond
	}
	if config.Workers <= 0 {
		config.Workers = 5
	}
	return &Simulator{
		config: config,
		stats: &SimulationStats{
			StartTime:         time.Now(),
			RequestLatencies:  make([]time.Duration, 0),
			DeliveryLatencies: make([]time.Duration, 0),
		},
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		log:    logger.With().Str("component", "simulator").Logger(),
	}
}

func (s *Simulator) Run(ctx context.Context) error {
	if s.config.NumUsers < 2 {
		return fmt.Errorf("need at least 2 users, got %d", s.config.NumUsers)
	}
	if s.config.ZipfS <= 1 {
		return fmt.Errorf("zipf parameter must be > 1, got %.2f", s.config.ZipfS)
	}

	s.log.Info().Msg("starting simulation")
	if err := s.initialize(ctx); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	defer s.disconnectAll()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.SimulateActivities(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.simulateConnectivity(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.collectMetrics(ctx)
	}()

	wg.Wait()
	return nil
}

// initialize mints a token for every user and opens their realtime
// connection.
func (s *Simulator) initialize(ctx context.Context) error {
	tokens := middleware.NewTokenManager(s.config.JWTSecret, s.config.SimulationTime+time.Hour)

	s.users = make([]*SimulatedUser, 0, s.config.NumUsers)
	for i := 0; i < s.config.NumUsers; i++ {
		id := uuid.New()
		token, err := tokens.GenerateToken(id)
		if err != nil {
			return fmt.Errorf("token for user %d: %w", i, err)
		}
		s.users = append(s.users, &SimulatedUser{ID: id, Token: token})
	}

	// Early users are the popular ones (landlords with many listings).
	s.zipf = rand.NewZipf(rand.New(rand.NewSource(time.Now().UnixNano())),
		s.config.ZipfS, 1, uint64(len(s.users)-1))

	for _, user := range s.users {
		if err := s.connect(ctx, user); err != nil {
			return err
		}
	}
	s.log.Info().Int("users", len(s.users)).Msg("users connected")
	return nil
}

func (s *Simulator) wsURL(token string) string {
	base := strings.TrimSuffix(s.config.ServerURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws?token=" + url.QueryEscape(token)
}

func (s *Simulator) connect(ctx context.Context, user *SimulatedUser) error {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL(user.Token), nil)
	if err != nil {
		return fmt.Errorf("connect user %s: %w", user.ID, err)
	}

	user.mu.Lock()
	user.conn = conn
	user.isConnected = true
	user.mu.Unlock()

	if err := user.writeFrame(realtime.EventJoin, realtime.JoinPayload{UserID: user.ID}); err != nil {
		s.disconnect(user)
		return fmt.Errorf("join user %s: %w", user.ID, err)
	}

	go s.listen(user, conn)
	return nil
}

func (s *Simulator) disconnect(user *SimulatedUser) {
	user.mu.Lock()
	defer user.mu.Unlock()
	if user.conn == nil {
		return
	}
	user.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	user.conn.Close()
	user.conn = nil
	user.isConnected = false
}

func (s *Simulator) disconnectAll() {
	for _, user := range s.users {
		s.disconnect(user)
	}
}

// listen consumes the user's realtime events until the connection closes.
func (s *Simulator) listen(user *SimulatedUser, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame realtime.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.log.Debug().Err(err).Msg("undecodable frame")
			continue
		}

		switch frame.Event {
		case realtime.EventReceiveMessage:
			var msg models.Message
			if err := json.Unmarshal(frame.Data, &msg); err != nil {
				continue
			}
			s.stats.mu.Lock()
			s.stats.MessagesReceived++
			s.stats.DeliveryLatencies = append(s.stats.DeliveryLatencies, time.Since(msg.CreatedAt))
			s.stats.mu.Unlock()
		case realtime.EventUserTyping:
			s.stats.mu.Lock()
			s.stats.TypingReceived++
			s.stats.mu.Unlock()
		case realtime.EventError:
			s.log.Debug().Str("user_id", user.ID.String()).RawJSON("data", frame.Data).Msg("server rejected frame")
		}
	}
}

// makeRequest performs an authenticated JSON call and returns the body of
// a 2xx response.
func (s *Simulator) makeRequest(ctx context.Context, method, endpoint, token string, data interface{}) (body []byte, err error) {
	defer func(start time.Time) { s.recordRequestMetrics(start, err) }(time.Now())

	var reader io.Reader
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(s.config.ServerURL, "/")+endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, body)
	}
	return body, nil
}

func (s *Simulator) recordRequestMetrics(start time.Time, err error) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()

	s.stats.TotalRequests++
	s.stats.RequestLatencies = append(s.stats.RequestLatencies, time.Since(start))
	if err != nil {
		s.stats.FailedRequests++
	} else {
		s.stats.SuccessRequests++
	}
}

// simulateConnectivity drops and restores websocket connections at the
// configured rates.
func (s *Simulator) simulateConnectivity(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, user := range s.users {
				if user.online() {
					if rand.Float64() < s.config.DisconnectRate {
						s.disconnect(user)
					}
					continue
				}
				if rand.Float64() < s.config.ReconnectRate {
					if err := s.connect(ctx, user); err != nil {
						s.log.Warn().Err(err).Msg("reconnect failed")
					}
				}
			}
		}
	}
}

func (s *Simulator) collectMetrics(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := s.GetMetrics()
			s.log.Info().
				Int("active_users", m.ActiveUsers).
				Int64("requests", m.TotalRequests).
				Int64("failed", m.FailedRequests).
				Int64("sent", m.MessagesSent).
				Int64("received", m.MessagesReceived).
				Dur("avg_request_latency", m.AvgRequestLatency).
				Dur("avg_delivery_latency", m.AvgDeliveryLatency).
				Msg("simulation progress")
		}
	}
}

type SimulationMetrics struct {
	Elapsed            time.Duration
	TotalUsers         int
	ActiveUsers        int
	TotalRequests      int64
	FailedRequests     int64
	MessagesSent       int64
	MessagesReceived   int64
	TypingReceived     int64
	InboxReads         int64
	AvgRequestLatency  time.Duration
	P95RequestLatency  time.Duration
	AvgDeliveryLatency time.Duration
}

func (s *Simulator) GetMetrics() SimulationMetrics {
	active := 0
	for _, user := range s.users {
		if user.online() {
			active++
		}
	}

	s.stats.mu.RLock()
	defer s.stats.mu.RUnlock()

	return SimulationMetrics{
		Elapsed:            time.Since(s.stats.StartTime),
		TotalUsers:         len(s.users),
		ActiveUsers:        active,
		TotalRequests:      s.stats.TotalRequests,
		FailedRequests:     s.stats.FailedRequests,
		MessagesSent:       s.stats.MessagesSent,
		MessagesReceived:   s.stats.MessagesReceived,
		TypingReceived:     s.stats.TypingReceived,
		InboxReads:         s.stats.InboxReads,
		AvgRequestLatency:  average(s.stats.RequestLatencies),
		P95RequestLatency:  percentile(s.stats.RequestLatencies, 0.95),
		AvgDeliveryLatency: average(s.stats.DeliveryLatencies),
	}
}

func average(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return total / time.Duration(len(samples))
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[int(float64(len(sorted)-1)*p)]
}
