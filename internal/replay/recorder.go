package replay

import (
	"sync"
	"time"

	"poleposition/raceserver/internal/logging"
)

// Stats summarises recorder activity for monitoring endpoints.
type Stats struct {
	Recording    bool      `json:"recording"`
	RaceID       string    `json:"race_id,omitempty"`
	Races        int64     `json:"races"`
	Failures     int64     `json:"failures"`
	LastDir      string    `json:"last_dir,omitempty"`
	LastClosedAt time.Time `json:"last_closed_at,omitempty"`
}

// Recorder keeps one Writer per race open between Begin and End. Write
// failures are logged and counted; they never stop the race. A nil Recorder
// records nothing.
type Recorder struct {
	mu     sync.Mutex
	root   string
	now    func() time.Time
	logger *logging.Logger
	writer *Writer
	raceID string
	stats  Stats
}

// NewRecorder records races under root. An empty root returns nil.
func NewRecorder(root string, clock func() time.Time, logger *logging.Logger) *Recorder {
	if root == "" {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Recorder{root: root, now: clock, logger: logger}
}

// Begin starts a bundle for header.RaceID, closing any unfinished one.
func (r *Recorder) Begin(header Header) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()

	writer, _, err := NewWriter(r.root, header.RaceID, r.now)
	if err != nil {
		r.stats.Failures++
		r.logger.Warn("replay start failed", logging.String("race_id", header.RaceID), logging.Error(err))
		return
	}
	writer.SetHeader(header)
	r.writer = writer
	r.raceID = header.RaceID
	r.logger.Info("replay started", logging.String("race_id", header.RaceID), logging.String("directory", writer.Directory()))
}

// Event appends a lifecycle event to the open bundle.
func (r *Recorder) Event(tick uint64, elapsed time.Duration, eventType string, payload []byte) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return
	}
	if err := r.writer.AppendEvent(tick, elapsed, eventType, payload); err != nil {
		r.failLocked("replay event failed", err)
	}
}

// Frame appends a snapshot to the open bundle.
func (r *Recorder) Frame(tick uint64, elapsed time.Duration, payload []byte) {
	if r == nil || len(payload) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return
	}
	if err := r.writer.AppendFrame(tick, elapsed, payload); err != nil {
		r.failLocked("replay frame failed", err)
	}
}

// Annotate updates the header of the open bundle, for example once the final
// roster is known.
func (r *Recorder) Annotate(header Header) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writer.SetHeader(header)
}

// End closes the open bundle and returns its directory.
func (r *Recorder) End() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

// Stats returns a copy of the recorder counters.
func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.stats
	stats.Recording = r.writer != nil
	stats.RaceID = r.raceID
	return stats
}

func (r *Recorder) closeLocked() string {
	if r.writer == nil {
		return ""
	}
	dir := r.writer.Directory()
	events, frames := r.writer.Counts()
	if err := r.writer.Close(); err != nil {
		r.stats.Failures++
		r.logger.Warn("replay close failed", logging.String("race_id", r.raceID), logging.Error(err))
	} else {
		r.stats.Races++
		r.stats.LastDir = dir
		r.stats.LastClosedAt = r.now().UTC()
		r.logger.Info("replay saved",
			logging.String("race_id", r.raceID),
			logging.String("directory", dir),
			logging.Int("events", events),
			logging.Int("frames", frames),
		)
	}
	r.writer = nil
	r.raceID = ""
	return dir
}

func (r *Recorder) failLocked(msg string, err error) {
	r.stats.Failures++
	r.logger.Warn(msg, logging.String("race_id", r.raceID), logging.Error(err))
}
