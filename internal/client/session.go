// Package client is the driver-side runtime: it smooths remote karts through
// state buffers, sends the local driver's input and race progress, and
// exposes replicated race state as observable fields.
package client

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"poleposition/raceserver/internal/circuit"
	"poleposition/raceserver/internal/input"
	"poleposition/raceserver/internal/logging"
	"poleposition/raceserver/internal/physics"
	"poleposition/raceserver/internal/standings"
	"poleposition/raceserver/internal/state"
	"poleposition/raceserver/internal/statebuffer"
	"poleposition/raceserver/internal/wire"
)

// ErrNotJoined is returned when sending before the server assigned an ID.
var ErrNotJoined = errors.New("session has no local kart yet")

// Sender delivers one message to the server.
type Sender interface {
	Send(t wire.Type, payload any) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(t wire.Type, payload any) error

// Send implements Sender.
func (f SenderFunc) Send(t wire.Type, payload any) error { return f(t, payload) }

// LapTime is a completed lap seen on the wire.
type LapTime struct {
	RacerID string
	Lap     int
	Elapsed time.Duration
}

// Option customises a Session.
type Option func(*Session)

// WithClock replaces the receive-time clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger overrides the session logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBufferOptions configures every remote kart's state buffer.
func WithBufferOptions(opts ...statebuffer.Option) Option {
	return func(s *Session) {
		s.bufferOpts = append(s.bufferOpts, opts...)
	}
}

// WithWatchdog attaches a connection watchdog fed by every handled message.
func WithWatchdog(w *Watchdog) Option {
	return func(s *Session) {
		s.watchdog = w
	}
}

// Session is one driver's view of the race. Handle is called by the
// transport for every inbound message; the render loop calls Tick and
// RemotePose.
type Session struct {
	mu         sync.Mutex
	circuit    *circuit.Circuit
	sender     Sender
	clock      func() time.Time
	epoch      time.Time
	logger     *logging.Logger
	watchdog   *Watchdog
	bufferOpts []statebuffer.Option

	localID   string
	local     state.CarState
	hasLocal  bool
	remotes   map[string]*statebuffer.Buffer
	remote    map[string]state.CarState
	input     input.DeltaSuppressor
	lastArc   float64
	sentArc   bool
	lapTimes  []LapTime
	lastError wire.Error

	RaceID     *state.Field[string]
	Countdown  *state.Field[int]
	Started    *state.Field[bool]
	Finished   *state.Field[bool]
	Lap        *state.Field[int]
	Checkpoint *state.Field[int]
	WrongWay   *state.Field[bool]
	Speed      *state.Field[float64]
	Roster     *state.Field[*wire.Roster]
	Grid       *state.Field[*wire.Grid]
	Scores     *state.Field[*wire.Scores]
}

// NewSession builds a session on circuit c talking through sender.
func NewSession(c *circuit.Circuit, sender Sender, opts ...Option) *Session {
	s := &Session{
		circuit:    c,
		sender:     sender,
		clock:      time.Now,
		logger:     logging.L(),
		remotes:    make(map[string]*statebuffer.Buffer),
		remote:     make(map[string]state.CarState),
		RaceID:     state.NewField(""),
		Countdown:  state.NewField(0),
		Started:    state.NewField(false),
		Finished:   state.NewField(false),
		Lap:        state.NewField(0),
		Checkpoint: state.NewField(0),
		WrongWay:   state.NewField(false),
		Speed:      state.NewField(0.0),
		Roster:     state.NewField[*wire.Roster](nil),
		Grid:       state.NewField[*wire.Grid](nil),
		Scores:     state.NewField[*wire.Scores](nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.epoch = s.clock()
	return s
}

// LocalID is the server-assigned ID of this driver's kart.
func (s *Session) LocalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID
}

// Handle applies one inbound envelope. Field observers run after the
// session lock is released.
func (s *Session) Handle(env wire.Envelope) error {
	s.watchdog.Feed()
	switch env.Type {
	case wire.TypeWelcome:
		var msg wire.Welcome
		if err := env.Into(&msg); err != nil {
			return err
		}
		s.mu.Lock()
		s.localID = msg.ID
		s.mu.Unlock()
		s.RaceID.Set(msg.RaceID)
	case wire.TypeSnapshot:
		var msg wire.Snapshot
		if err := env.Into(&msg); err != nil {
			return err
		}
		s.applySnapshot(msg)
	case wire.TypeRoster:
		var msg wire.Roster
		if err := env.Into(&msg); err != nil {
			return err
		}
		s.Roster.Set(&msg)
	case wire.TypeGrid:
		var msg wire.Grid
		if err := env.Into(&msg); err != nil {
			return err
		}
		//1.- A new grid means a new start: drop per-race flags.
		s.RaceID.Set(msg.RaceID)
		s.Started.Set(false)
		s.Finished.Set(false)
		s.WrongWay.Set(false)
		s.Lap.Set(0)
		s.Scores.Set(nil)
		s.mu.Lock()
		s.lapTimes = nil
		s.sentArc = false
		s.input.Reset()
		s.mu.Unlock()
		s.Grid.Set(&msg)
	case wire.TypeCountdown:
		var msg wire.Countdown
		if err := env.Into(&msg); err != nil {
			return err
		}
		s.Countdown.Set(msg.Remaining)
	case wire.TypeStartGame:
		s.Countdown.Set(0)
		s.Started.Set(true)
	case wire.TypeLapTime:
		var msg wire.LapTime
		if err := env.Into(&msg); err != nil {
			return err
		}
		s.recordLap(msg)
	case wire.TypeWrongWay:
		var msg wire.WrongWay
		if err := env.Into(&msg); err != nil {
			return err
		}
		if msg.RacerID == s.LocalID() {
			s.WrongWay.Set(true)
		}
	case wire.TypeClassified:
		// Shown through the roster update that follows.
	case wire.TypeFinishGame:
		s.Finished.Set(true)
	case wire.TypeScores:
		var msg wire.Scores
		if err := env.Into(&msg); err != nil {
			return err
		}
		s.Scores.Set(&msg)
	case wire.TypeError:
		var msg wire.Error
		if err := env.Into(&msg); err != nil {
			return err
		}
		s.mu.Lock()
		s.lastError = msg
		s.mu.Unlock()
		s.logger.Warn("server rejected request", logging.String("code", msg.Code), logging.String("message", msg.Message))
	default:
		return fmt.Errorf("%w: %q is not sent to clients", wire.ErrUnknownType, env.Type)
	}
	return nil
}

func (s *Session) applySnapshot(msg wire.Snapshot) {
	now := s.clock().Sub(s.epoch).Seconds()
	var local *state.CarState

	s.mu.Lock()
	for _, car := range msg.Cars {
		if car.ID == s.localID {
			s.local = car
			s.hasLocal = true
			copied := car
			local = &copied
			continue
		}
		//1.- Remote karts are timestamped on arrival and only ever rendered from the buffer.
		buffer := s.remotes[car.ID]
		if buffer == nil {
			opts := append([]statebuffer.Option{statebuffer.WithLogger(s.logger.With(logging.String("car_id", car.ID)))}, s.bufferOpts...)
			buffer = statebuffer.New(opts...)
			s.remotes[car.ID] = buffer
		}
		buffer.Push(statebuffer.Sample{Timestamp: now, Position: car.Position, Velocity: car.Velocity, Rotation: car.Rotation})
		s.remote[car.ID] = car
	}
	for _, id := range msg.Removed {
		delete(s.remotes, id)
		delete(s.remote, id)
	}
	s.mu.Unlock()

	if local != nil {
		s.Speed.Set(local.Speed)
		s.Checkpoint.Set(local.Checkpoint)
		if s.Lap.Set(local.Lap) {
			s.WrongWay.Set(false)
		}
	}
}

func (s *Session) recordLap(msg wire.LapTime) {
	lap := LapTime{RacerID: msg.RacerID, Lap: msg.Lap, Elapsed: wire.FromTicks(msg.ElapsedTicks)}
	s.mu.Lock()
	s.lapTimes = append(s.lapTimes, lap)
	own := msg.RacerID == s.localID
	s.mu.Unlock()
	if own {
		s.Lap.Set(msg.Lap)
		s.WrongWay.Set(false)
	}
}

// LapTimes returns every lap broadcast since the last grid, in arrival order.
func (s *Session) LapTimes() []LapTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LapTime(nil), s.lapTimes...)
}

// LastError is the most recent error the server sent.
func (s *Session) LastError() wire.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Join asks the server for a lobby seat.
func (s *Session) Join(name string) error { return s.send(wire.TypeJoin, wire.Join{Name: name}) }

// SetReady toggles the ready flag.
func (s *Session) SetReady(ready bool) error {
	return s.send(wire.TypeReady, wire.Ready{Ready: ready})
}

// SetName changes the display name.
func (s *Session) SetName(name string) error { return s.send(wire.TypeName, wire.Name{Name: name}) }

// SetControls sends the driver's controls when they differ from the last
// sent ones. It reports whether a message went out.
func (s *Session) SetControls(controls physics.Controls) (bool, error) {
	s.mu.Lock()
	if s.localID == "" {
		s.mu.Unlock()
		return false, ErrNotJoined
	}
	clamped, sequence, changed := s.input.Offer(controls)
	sentAt := s.clock().UnixMilli()
	s.mu.Unlock()
	if !changed {
		return false, nil
	}
	return true, s.send(wire.TypeInput, wire.Input{Sequence: sequence, SentAt: sentAt, Controls: clamped})
}

// Tick computes the local kart's race progress and pushes it to the server
// when it changed. Only the owning client computes its own progress.
func (s *Session) Tick() (float64, error) {
	s.mu.Lock()
	if !s.hasLocal || s.circuit == nil {
		s.mu.Unlock()
		return standings.Sentinel, nil
	}
	progress := standings.ComputeProgress(s.circuit, s.local.Position, s.local.Lap, s.local.Checkpoint)
	value := progress.ArcLength
	changed := !s.sentArc || value != s.lastArc
	s.lastArc = value
	s.sentArc = true
	s.mu.Unlock()
	if !changed {
		return value, nil
	}
	return value, s.send(wire.TypeArcLength, wire.ArcLength{Value: value})
}

// Standings orders the field with the local kart's own progress and every
// other kart's replicated one.
func (s *Session) Standings() standings.Ranking {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.remote)+1)
	for id := range s.remote {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	entries := make([]*standings.Entry, 0, len(ids)+1)
	if s.hasLocal {
		arc := standings.Sentinel
		if s.sentArc {
			arc = s.lastArc
		}
		entries = append(entries, &standings.Entry{ID: s.local.ID, Name: s.local.Name, Lap: s.local.Lap, ArcLength: arc})
	}
	for _, id := range ids {
		car := s.remote[id]
		arc := car.ArcLength
		if math.IsInf(arc, 0) {
			arc = standings.Sentinel
		}
		entries = append(entries, &standings.Entry{ID: id, Name: car.Name, Lap: car.Lap, ArcLength: arc})
	}
	return standings.Rank(entries)
}

// RemoteIDs lists the karts rendered from state buffers.
func (s *Session) RemoteIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.remotes))
	for id := range s.remotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RemotePose samples a remote kart for rendering now.
func (s *Session) RemotePose(id string) (statebuffer.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buffer := s.remotes[id]
	if buffer == nil {
		return statebuffer.Result{}, false
	}
	return buffer.SampleAt(s.clock().Sub(s.epoch).Seconds())
}

// LocalCar is the last authoritative state of the local kart.
func (s *Session) LocalCar() (state.CarState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local, s.hasLocal
}

// ConnectionLost reports the watchdog flag.
func (s *Session) ConnectionLost() bool { return s.watchdog.Lost() }

func (s *Session) send(t wire.Type, payload any) error {
	if s.sender == nil {
		return fmt.Errorf("send %s: no transport", t)
	}
	if err := s.sender.Send(t, payload); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}
