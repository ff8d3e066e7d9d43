package input

import (
	"math"
	"sync"
	"time"

	"poleposition/raceserver/internal/logging"
	"poleposition/raceserver/internal/physics"
)

// Violation identifies why a control frame was flagged.
type Violation string

const (
	ViolationNone     Violation = ""
	ViolationNaN      Violation = "nan"
	ViolationRange    Violation = "range"
	ViolationCooldown Violation = "cooldown"
)

// Limits configures how far out of range a frame may be before it counts as
// a violation, and how repeated violations escalate.
type Limits struct {
	Tolerance   float64
	BurstLimit  int
	BurstWindow time.Duration
	Cooldown    time.Duration
	MaxStrikes  int
}

// DefaultLimits is the production baseline.
var DefaultLimits = Limits{
	Tolerance:   0.05,
	BurstLimit:  5,
	BurstWindow: time.Second,
	Cooldown:    500 * time.Millisecond,
	MaxStrikes:  3,
}

// Verdict is the outcome of sanitising one frame. Controls is always clamped
// and safe to hand to the simulator when Accepted is set.
type Verdict struct {
	Accepted   bool
	Controls   physics.Controls
	Violation  Violation
	Warn       bool
	Disconnect bool
	Cooldown   time.Duration
}

// ViolationCounters aggregates per-client statistics.
type ViolationCounters struct {
	Violations  map[Violation]uint64 `json:"violations,omitempty"`
	Cooldowns   uint64               `json:"cooldowns"`
	Disconnects uint64               `json:"disconnects"`
}

type sanitizerState struct {
	firstInvalid  time.Time
	invalidCount  int
	cooldownUntil time.Time
	strikes       int
	counters      ViolationCounters
}

// Sanitizer clamps every control axis into range. Frames far outside the
// range or carrying NaN are still clamped but counted; a burst of them puts
// the client on cooldown, and repeated cooldowns ask for a disconnect.
type Sanitizer struct {
	mu      sync.Mutex
	limits  Limits
	clock   Clock
	logger  *logging.Logger
	clients map[string]*sanitizerState
}

// NewSanitizer builds a sanitizer; zero limits fall back to DefaultLimits.
func NewSanitizer(limits Limits, logger *logging.Logger, opts ...SanitizerOption) *Sanitizer {
	if limits.Tolerance <= 0 {
		limits.Tolerance = DefaultLimits.Tolerance
	}
	if limits.BurstLimit <= 0 {
		limits.BurstLimit = DefaultLimits.BurstLimit
	}
	if limits.BurstWindow <= 0 {
		limits.BurstWindow = DefaultLimits.BurstWindow
	}
	if limits.Cooldown <= 0 {
		limits.Cooldown = DefaultLimits.Cooldown
	}
	if limits.MaxStrikes <= 0 {
		limits.MaxStrikes = DefaultLimits.MaxStrikes
	}
	if logger == nil {
		logger = logging.L()
	}
	s := &Sanitizer{
		limits:  limits,
		clock:   systemClock{},
		logger:  logger,
		clients: make(map[string]*sanitizerState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SanitizerOption customises sanitizer construction.
type SanitizerOption func(*Sanitizer)

// WithSanitizerClock overrides the clock used for cooldown windows.
func WithSanitizerClock(clock Clock) SanitizerOption {
	return func(s *Sanitizer) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Check clamps controls and records any violation for clientID.
func (s *Sanitizer) Check(clientID string, controls physics.Controls) Verdict {
	verdict := Verdict{Accepted: true, Controls: controls.Clamped()}
	if s == nil {
		return verdict
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.clients[clientID]
	if state == nil {
		state = &sanitizerState{}
		s.clients[clientID] = state
	}

	//1.- Everything is ignored while a cooldown is running.
	if now.Before(state.cooldownUntil) {
		return Verdict{Violation: ViolationCooldown, Cooldown: state.cooldownUntil.Sub(now)}
	}

	violation := s.classify(controls)
	if violation == ViolationNone {
		state.invalidCount = 0
		return verdict
	}
	//2.- Clamped input is still usable; only escalate the bookkeeping.
	verdict.Violation = violation
	s.escalateLocked(clientID, state, now, violation, &verdict)
	return verdict
}

// Forget clears all state for the client.
func (s *Sanitizer) Forget(clientID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
}

// Counters returns a snapshot of per-client counters.
func (s *Sanitizer) Counters() map[string]ViolationCounters {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ViolationCounters, len(s.clients))
	for id, state := range s.clients {
		c := state.counters
		if len(c.Violations) == 0 && c.Cooldowns == 0 {
			continue
		}
		clone := ViolationCounters{Cooldowns: c.Cooldowns, Disconnects: c.Disconnects}
		clone.Violations = make(map[Violation]uint64, len(c.Violations))
		for reason, count := range c.Violations {
			clone.Violations[reason] = count
		}
		out[id] = clone
	}
	return out
}

func (s *Sanitizer) classify(c physics.Controls) Violation {
	if math.IsNaN(c.Acceleration) || math.IsNaN(c.Steering) || math.IsNaN(c.Brake) {
		return ViolationNaN
	}
	tol := s.limits.Tolerance
	if math.Abs(c.Acceleration) > 1+tol || math.Abs(c.Steering) > 1+tol || c.Brake < -tol || c.Brake > 1+tol {
		return ViolationRange
	}
	return ViolationNone
}

func (s *Sanitizer) escalateLocked(clientID string, state *sanitizerState, now time.Time, violation Violation, verdict *Verdict) {
	if state.counters.Violations == nil {
		state.counters.Violations = make(map[Violation]uint64)
	}
	state.counters.Violations[violation]++

	if state.invalidCount == 0 || now.Sub(state.firstInvalid) > s.limits.BurstWindow {
		state.firstInvalid = now
		state.invalidCount = 1
	} else {
		state.invalidCount++
	}
	verdict.Warn = s.limits.BurstLimit-state.invalidCount == 1
	if state.invalidCount < s.limits.BurstLimit {
		return
	}

	//1.- The burst limit trips a cooldown; too many cooldowns ask for a kick.
	state.cooldownUntil = now.Add(s.limits.Cooldown)
	state.invalidCount = 0
	state.strikes++
	state.counters.Cooldowns++
	verdict.Cooldown = s.limits.Cooldown
	if state.strikes >= s.limits.MaxStrikes {
		verdict.Disconnect = true
		state.counters.Disconnects++
	}
	s.logger.Warn("input cooldown",
		logging.String("client_id", clientID),
		logging.String("violation", string(violation)),
		logging.Int("strikes", state.strikes),
		logging.Duration("cooldown", s.limits.Cooldown),
	)
}
