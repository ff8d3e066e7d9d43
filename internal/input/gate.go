// Package input admits driver control frames: ordering and freshness at the
// transport edge, range sanitising before the simulator, and change-only
// sending on the client.
package input

import (
	"sync"
	"time"

	"poleposition/raceserver/internal/logging"
)

// Clock exposes the current time for rate limiting decisions.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (c ClockFunc) Now() time.Time { return c() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config controls the freshness and throughput gates applied to input frames.
// Zero disables the corresponding check. Frames older than MaxAge are still
// applied when their sequence is the newest; the client only resends on
// change, so dropping one would strand a held control.
type Config struct {
	MaxAge      time.Duration
	MinInterval time.Duration
}

// DropReason enumerates why a frame was rejected by the gate.
type DropReason string

const (
	DropReasonNone        DropReason = ""
	DropReasonSequence    DropReason = "sequence"
	DropReasonRateLimited DropReason = "rate_limit"
)

// Decision summarises whether a frame passed the gate. Late marks an accepted
// frame that spent longer than MaxAge in flight by the client's clock.
type Decision struct {
	Accepted bool
	Late     bool
	Reason   DropReason
	Delay    time.Duration
}

// Frame is the transport metadata of one input update.
type Frame struct {
	ClientID string
	Sequence uint64
	SentAt   time.Time
}

// DropCounters aggregates per-reason drop counts for one client, plus the
// late frames that were accepted anyway.
type DropCounters struct {
	Sequence    uint64 `json:"sequence"`
	RateLimited uint64 `json:"rate_limited"`
	Late        uint64 `json:"late"`
}

func (c *DropCounters) add(reason DropReason) {
	switch reason {
	case DropReasonSequence:
		c.Sequence++
	case DropReasonRateLimited:
		c.RateLimited++
	}
}

type clientState struct {
	lastSequence uint64
	lastAccepted time.Time
	drops        DropCounters
}

// Gate rejects replayed, reordered and flooding input frames and counts the
// late ones.
type Gate struct {
	mu      sync.Mutex
	cfg     Config
	clock   Clock
	logger  *logging.Logger
	clients map[string]*clientState
}

// Option customises gate construction.
type Option func(*Gate)

// WithClock overrides the clock used for latency calculations.
func WithClock(clock Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGate constructs a gate with the supplied configuration and logger.
func NewGate(cfg Config, logger *logging.Logger, opts ...Option) *Gate {
	if cfg.MaxAge < 0 {
		cfg.MaxAge = 0
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if logger == nil {
		logger = logging.L()
	}
	gate := &Gate{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger,
		clients: make(map[string]*clientState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Evaluate applies sequencing, freshness and throughput guards to the frame.
func (g *Gate) Evaluate(frame Frame) Decision {
	decision := Decision{Accepted: true}
	if g == nil || frame.ClientID == "" {
		return decision
	}
	now := g.clock.Now()
	if !frame.SentAt.IsZero() {
		//1.- Capture-to-arrival delay, clamped for skewed client clocks.
		if delay := now.Sub(frame.SentAt); delay > 0 {
			decision.Delay = delay
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.clients[frame.ClientID]
	if state == nil {
		state = &clientState{}
		g.clients[frame.ClientID] = state
	}

	reason := DropReasonNone
	switch {
	case frame.Sequence == 0 || (state.lastSequence != 0 && frame.Sequence <= state.lastSequence):
		reason = DropReasonSequence
	case state.lastSequence != 0 && g.cfg.MinInterval > 0 && now.Sub(state.lastAccepted) < g.cfg.MinInterval:
		reason = DropReasonRateLimited
	}
	if reason != DropReasonNone {
		//2.- Count the drop and keep the previous accepted frame as the baseline.
		state.drops.add(reason)
		g.logger.Debug("input frame dropped",
			logging.String("client_id", frame.ClientID),
			logging.String("reason", string(reason)),
			logging.Int64("sequence", int64(frame.Sequence)),
		)
		return Decision{Reason: reason, Delay: decision.Delay}
	}

	//3.- Client clocks are not synchronised, so age only flags the frame.
	if g.cfg.MaxAge > 0 && decision.Delay > g.cfg.MaxAge {
		decision.Late = true
		state.drops.Late++
		g.logger.Debug("late input frame applied",
			logging.String("client_id", frame.ClientID),
			logging.Int64("sequence", int64(frame.Sequence)),
			logging.Duration("delay", decision.Delay),
		)
	}
	state.lastSequence = frame.Sequence
	state.lastAccepted = now
	return decision
}

// Forget clears sequencing and counters for a disconnected client.
func (g *Gate) Forget(clientID string) {
	if g == nil || clientID == "" {
		return
	}
	g.mu.Lock()
	delete(g.clients, clientID)
	g.mu.Unlock()
}

// Drops returns a copy of the per-client drop counters.
func (g *Gate) Drops() map[string]DropCounters {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]DropCounters, len(g.clients))
	for id, state := range g.clients {
		if state.drops != (DropCounters{}) {
			out[id] = state.drops
		}
	}
	return out
}
