package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"poleposition/raceserver/internal/circuit"
	"poleposition/raceserver/internal/config"
	"poleposition/raceserver/internal/gameplay"
	"poleposition/raceserver/internal/input"
	"poleposition/raceserver/internal/logging"
	"poleposition/raceserver/internal/match"
	"poleposition/raceserver/internal/networking"
	"poleposition/raceserver/internal/replay"
	"poleposition/raceserver/internal/simulation"
	"poleposition/raceserver/internal/standings"
	"poleposition/raceserver/internal/state"
	"poleposition/raceserver/internal/wire"
)

const (
	sendQueueSize = 256
	writeWait     = 5 * time.Second
	// inputMaxAge flags control frames that spent longer than this in flight.
	inputMaxAge = 500 * time.Millisecond
)

var (
	errDuplicateRacer = errors.New("racer already connected")
	errLoopNotRunning = errors.New("race loop not running")
)

// resultsStore persists finished races.
type resultsStore interface {
	Save(ctx context.Context, r match.Results) error
}

// raceNotifier announces finished races.
type raceNotifier interface {
	RaceFinished(ctx context.Context, r match.Results) error
}

// ServerOption customises server construction.
type ServerOption func(*Server)

// WithClock overrides the wall clock used for uptime and the race lifecycle.
func WithClock(clock func() time.Time) ServerOption {
	return func(s *Server) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithResultsStore persists published results.
func WithResultsStore(store resultsStore) ServerOption {
	return func(s *Server) {
		s.results = store
	}
}

// WithNotifier announces published results.
func WithNotifier(notifier raceNotifier) ServerOption {
	return func(s *Server) {
		s.notifier = notifier
	}
}

// WithRecorder records every race to disk.
func WithRecorder(recorder *replay.Recorder) ServerOption {
	return func(s *Server) {
		s.recorder = recorder
	}
}

// WithCircuit replaces the circuit resolved from configuration.
func WithCircuit(c *circuit.Circuit) ServerOption {
	return func(s *Server) {
		if c != nil {
			s.circuit = c
		}
	}
}

// Server owns one race session: the lifecycle controller, the simulator that
// drives every kart and the websocket clients watching or racing.
type Server struct {
	cfg     *config.Config
	log     *logging.Logger
	now     func() time.Time
	started time.Time

	circuit   *circuit.Circuit
	race      *match.Controller
	store     *state.CarStore
	sim       *simulation.Simulator
	monitor   *simulation.TickMonitor
	loop      *simulation.Loop
	gate      *input.Gate
	sanitizer *input.Sanitizer
	regulator *networking.Regulator
	recorder  *replay.Recorder
	results   resultsStore
	notifier  raceNotifier
	feed      *standingsFeed

	upgrader      websocket.Upgrader
	authenticator websocketAuthenticator

	mu      sync.RWMutex
	clients map[string]*client

	tick    atomic.Uint64
	running atomic.Bool

	// Owned by the tick goroutine.
	header    replay.Header
	sinceFeed int
	feedEvery int

	background sync.WaitGroup
	finished   chan match.Results
}

// NewServer wires a race session from configuration.
func NewServer(cfg *config.Config, logger *logging.Logger, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = logging.L()
	}
	s := &Server{
		cfg:           cfg,
		log:           logger,
		now:           time.Now,
		store:         state.NewCarStore(),
		monitor:       simulation.NewTickMonitor(),
		feed:          newStandingsFeed(),
		authenticator: allowAllAuthenticator{},
		clients:       make(map[string]*client),
		finished:      make(chan match.Results, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	//1.- Resolve the circuit; its checkpoint ring sizes the lap trackers.
	if s.circuit == nil {
		c, err := loadCircuit(cfg.Race.CircuitPath)
		if err != nil {
			return nil, err
		}
		s.circuit = c
	}
	rules := match.RulesFromConfig(cfg.Race)
	if count := s.circuit.CheckpointCount(); count != rules.Checkpoints {
		logger.Warn("circuit checkpoint count overrides configuration",
			logging.String("circuit", s.circuit.Name()),
			logging.Int("configured", rules.Checkpoints),
			logging.Int("circuit_checkpoints", count),
		)
		rules.Checkpoints = count
	}
	race, err := match.NewController(rules, match.WithClock(s.now), match.WithLogger(logger.With(logging.String("component", "race"))))
	if err != nil {
		return nil, err
	}
	s.race = race

	//2.- Simulation, input pipeline and per-client bandwidth.
	s.sim = simulation.NewSimulator(s.circuit, gameplay.DefaultKart(), s.store, logger.With(logging.String("component", "simulator")))
	s.loop = simulation.NewLoop(float64(cfg.Race.TickRate), s.step, simulation.WithMonitor(s.monitor))
	clock := input.ClockFunc(s.now)
	s.gate = input.NewGate(input.Config{MaxAge: inputMaxAge}, logger, input.WithClock(clock))
	s.sanitizer = input.NewSanitizer(input.DefaultLimits, logger, input.WithSanitizerClock(clock))
	s.regulator = networking.NewRegulator(float64(cfg.Sync.ClientBandwidth), s.now)
	s.feedEvery = max(1, cfg.Race.TickRate/max(1, cfg.Race.StandingsRate))

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	s.started = s.now()
	return s, nil
}

func loadCircuit(path string) (*circuit.Circuit, error) {
	if strings.TrimSpace(path) == "" {
		return circuit.Default(), nil
	}
	c, err := circuit.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load circuit %s: %w", path, err)
	}
	return c, nil
}

// originChecker allows every origin when the list is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// Start runs the fixed-rate race loop until ctx ends or Close is called.
func (s *Server) Start(ctx context.Context) {
	s.loop.Start(ctx)
	s.running.Store(true)
	s.log.Info("race loop started",
		logging.Int("tick_rate", s.cfg.Race.TickRate),
		logging.String("circuit", s.circuit.Name()),
		logging.Int("player_count", s.race.Rules().PlayerCount),
		logging.Int("max_laps", s.race.Rules().MaxLaps),
	)
}

// Finished delivers results once a race has published them.
func (s *Server) Finished() <-chan match.Results { return s.finished }

// Close stops the race loop, drops every client and flushes pending work.
func (s *Server) Close() {
	//1.- Departures during shutdown must not end the race for whoever is left.
	s.race.Shutdown()
	s.running.Store(false)
	s.loop.Stop()

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.disconnect(c, "server shutting down")
	}

	s.feed.Close()
	s.recorder.End()
	s.background.Wait()
}

// ClientCounts reports connected sockets and how many of them joined the race.
func (s *Server) ClientCounts() (clients, racers int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.joined.Load() {
			racers++
		}
	}
	return len(s.clients), racers
}

// StartupError reports why the server cannot take traffic: the race loop has
// not been started yet or has already been closed.
func (s *Server) StartupError() error {
	if !s.running.Load() {
		return errLoopNotRunning
	}
	return nil
}

// Uptime is the time since the server was built.
func (s *Server) Uptime() time.Duration { return s.now().Sub(s.started) }

// client is one websocket connection.
type client struct {
	id     string
	name   string
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
	log    *logging.Logger

	joined   atomic.Bool
	diverged bool
}

func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.closed) })
}

// ServeWS upgrades the request and attaches the connection to the race.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticator.Authenticate(r)
	if err != nil {
		s.log.Warn("websocket authentication failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	if s.connected(identity.ID) {
		http.Error(w, errDuplicateRacer.Error(), http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	c := &client{
		id:     identity.ID,
		name:   identity.Name,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
		log:    s.log.With(logging.String("client_id", identity.ID)),
	}
	if err := s.register(c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	c.log.Info("client connected", logging.String("remote_addr", r.RemoteAddr))

	s.greet(c)
	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) connected(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[id]
	return ok
}

func (s *Server) register(c *client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; ok {
		return errDuplicateRacer
	}
	s.clients[c.id] = c
	return nil
}

// greet sends the welcome, the current roster and a full snapshot.
func (s *Server) greet(c *client) {
	rules := s.race.Rules()
	status := s.race.Status()
	s.sendTo(c, wire.TypeWelcome, wire.Welcome{
		ID:          c.id,
		RaceID:      status.RaceID,
		Circuit:     s.circuit.Name(),
		PlayerCount: rules.PlayerCount,
		MaxLaps:     rules.MaxLaps,
		TickRate:    s.cfg.Race.TickRate,
	})
	s.sendTo(c, wire.TypeRoster, wire.FromRoster(status.Racers))
	if full := s.fullSnapshot(); full != nil && s.regulator.Allow(c.id, len(full), true) {
		s.deliver(c, full)
	}
}

func (s *Server) sendTo(c *client, t wire.Type, payload any) {
	data, err := wire.Encode(t, payload)
	if err != nil {
		c.log.Error("encode message failed", logging.String("type", string(t)), logging.Error(err))
		return
	}
	s.deliver(c, data)
}

func (s *Server) sendError(c *client, code string, err error) {
	s.sendTo(c, wire.TypeError, wire.Error{Code: code, Message: err.Error()})
}

// deliver queues msg; a client whose queue is full is dropped.
func (s *Server) deliver(c *client, msg []byte) {
	if !c.enqueue(msg) {
		s.disconnect(c, "send queue full")
	}
}

func (s *Server) broadcast(msg []byte) {
	for _, c := range s.snapshotClients() {
		s.deliver(c, msg)
	}
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

// disconnect removes c once; its racer leaves the race and its kart the track.
func (s *Server) disconnect(c *client, reason string) {
	s.mu.Lock()
	current, ok := s.clients[c.id]
	if ok && current == c {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()
	c.close()
	if !ok || current != c {
		return
	}

	if c.joined.Load() {
		s.race.Leave(c.id)
		s.sim.RemoveCar(c.id)
	}
	s.gate.Forget(c.id)
	s.sanitizer.Forget(c.id)
	s.regulator.Forget(c.id)
	c.log.Info("client disconnected", logging.String("reason", reason))
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				s.disconnect(c, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.disconnect(c, "ping failed")
				return
			}
		case <-c.closed:
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Server) readPump(c *client) {
	defer s.disconnect(c, "connection closed")
	pongWait := 2 * s.cfg.PingInterval
	c.conn.SetReadLimit(s.cfg.MaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read failed", logging.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		env, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", logging.Error(err))
			s.sendError(c, "malformed", err)
			continue
		}
		if !s.handle(c, env) {
			return
		}
	}
}

// handle applies one client message. It returns false when the client must
// be disconnected.
func (s *Server) handle(c *client, env wire.Envelope) bool {
	switch env.Type {
	case wire.TypeJoin:
		var msg wire.Join
		if err := env.Into(&msg); err != nil {
			s.sendError(c, "malformed", err)
			return true
		}
		name := msg.Name
		if strings.TrimSpace(name) == "" {
			name = c.name
		}
		racer, err := s.race.Join(c.id, name)
		if err != nil {
			s.sendError(c, errorCode(err), err)
			return true
		}
		c.joined.Store(true)
		s.sim.AddCar(c.id, racer.Name, s.circuit.StartingSlot(racer.Slot))
	case wire.TypeReady:
		var msg wire.Ready
		if err := env.Into(&msg); err != nil {
			s.sendError(c, "malformed", err)
			return true
		}
		if err := s.race.SetReady(c.id, msg.Ready); err != nil {
			s.sendError(c, errorCode(err), err)
		}
	case wire.TypeName:
		var msg wire.Name
		if err := env.Into(&msg); err != nil {
			s.sendError(c, "malformed", err)
			return true
		}
		if err := s.race.SetName(c.id, msg.Name); err != nil {
			s.sendError(c, errorCode(err), err)
			return true
		}
		if racer, ok := s.race.Racer(c.id); ok {
			s.sim.AddCar(c.id, racer.Name, s.circuit.StartingSlot(racer.Slot))
		}
	case wire.TypeInput:
		var msg wire.Input
		if err := env.Into(&msg); err != nil {
			s.sendError(c, "malformed", err)
			return true
		}
		return s.applyInput(c, msg)
	case wire.TypeArcLength:
		var msg wire.ArcLength
		if err := env.Into(&msg); err != nil {
			s.sendError(c, "malformed", err)
			return true
		}
		s.applyArcLength(c, msg.Value)
	case wire.TypeLapTime:
		//1.- Lap times are authoritative on the server; client echoes are only logged.
		c.log.Debug("ignoring client lap time")
	default:
		s.sendError(c, "unsupported", fmt.Errorf("%s is not accepted from clients", env.Type))
	}
	return true
}

func (s *Server) applyInput(c *client, msg wire.Input) bool {
	if !c.joined.Load() {
		s.sendError(c, "not_joined", match.ErrUnknownRacer)
		return true
	}
	frame := input.Frame{ClientID: c.id, Sequence: msg.Sequence}
	if msg.SentAt > 0 {
		frame.SentAt = time.UnixMilli(msg.SentAt)
	}
	if decision := s.gate.Evaluate(frame); !decision.Accepted {
		return true
	}
	verdict := s.sanitizer.Check(c.id, msg.Controls)
	if verdict.Disconnect {
		s.sendError(c, "input_violation", errors.New("too many invalid control frames"))
		return false
	}
	if !verdict.Accepted {
		return true
	}
	s.sim.SetInput(c.id, verdict.Controls)
	return true
}

// applyArcLength trusts the owner's progress and only warns when it strays
// far from the server's own projection of the kart.
func (s *Server) applyArcLength(c *client, value float64) {
	if err := s.race.ReportArcLength(c.id, value); err != nil {
		s.sendError(c, errorCode(err), err)
		return
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	s.sim.SetArcLength(c.id, value)

	car, ok := s.store.Get(c.id)
	racer, known := s.race.Racer(c.id)
	if !ok || !known {
		return
	}
	projected := standings.ComputeProgress(s.circuit, car.Position, racer.Lap, racer.Checkpoint).ArcLength
	divergence := math.Abs(projected - value)
	if divergence <= s.circuit.Length()/4 {
		c.diverged = false
		return
	}
	if !c.diverged {
		c.diverged = true
		c.log.Warn("reported arc length diverges from server projection",
			logging.Float64("reported", value),
			logging.Float64("projected", projected),
			logging.Float64("divergence", divergence),
		)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, match.ErrRaceFull):
		return "race_full"
	case errors.Is(err, match.ErrRaceInProgress):
		return "race_in_progress"
	case errors.Is(err, match.ErrUnknownRacer):
		return "not_joined"
	case errors.Is(err, match.ErrInvalidPlayerID):
		return "invalid_player"
	default:
		return "rejected"
	}
}
