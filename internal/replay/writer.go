// Package replay records finished races to disk: lifecycle events as a
// snappy compressed JSON lines log and car snapshots as a zstd compressed,
// length-prefixed frame log, next to a manifest and a header.
package replay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// ErrClosed is returned when appending to a writer that was already closed.
var ErrClosed = errors.New("replay writer closed")

var raceIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	// DefaultFrameInterval is how often buffered frames are flushed.
	DefaultFrameInterval = 200 * time.Millisecond

	manifestName = "manifest.json"
	headerName   = "header.json"
	eventsName   = "events.jsonl.sz"
	framesName   = "frames.bin.zst"

	// tick, elapsed ms, captured unix ns, payload length.
	frameHeaderSize = 8 + 8 + 8 + 4
)

// EventRecord is one line of the event log.
type EventRecord struct {
	Tick       uint64    `json:"tick"`
	ElapsedMs  int64     `json:"elapsed_ms"`
	CapturedAt time.Time `json:"captured_at"`
	Type       string    `json:"type"`
	Payload    []byte    `json:"payload,omitempty"`
}

// FrameRecord is one snapshot in the frame log.
type FrameRecord struct {
	Tick       uint64
	ElapsedMs  int64
	CapturedAt time.Time
	Payload    []byte
}

// Manifest describes the replay bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version         int    `json:"version"`
	RaceID          string `json:"race_id"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int    `json:"frame_interval_ms"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
	HeaderPath      string `json:"header_path"`
}

// Writer streams one race to a bundle directory.
type Writer struct {
	mu          sync.Mutex
	dir         string
	raceID      string
	now         func() time.Time
	interval    time.Duration
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []FrameRecord
	lastFlush   time.Time
	header      Header
	events      int
	frames      int
	closed      bool
}

// NewWriter creates <root>/<raceID>-<timestamp>/ and opens the compressed logs.
func NewWriter(root, raceID string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := raceIDCleaner.ReplaceAllString(raceID, "")
	if cleaned == "" {
		cleaned = "race"
	}
	created := clock().UTC()
	dir := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	//1.- Open both sinks; a failure on the second releases the first.
	eventFile, err := os.Create(filepath.Join(dir, eventsName))
	if err != nil {
		return nil, Manifest{}, err
	}
	frameFile, err := os.Create(filepath.Join(dir, framesName))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}
	w := &Writer{
		dir:         dir,
		raceID:      raceID,
		now:         clock,
		interval:    DefaultFrameInterval,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
		header:      Header{SchemaVersion: HeaderSchemaVersion, RaceID: raceID, FilePointer: manifestName},
	}

	//2.- The manifest goes out first so a crashed race still has a readable layout.
	manifest := Manifest{
		Version:         1,
		RaceID:          raceID,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(w.interval / time.Millisecond),
		EventsPath:      eventsName,
		FramesPath:      framesName,
		HeaderPath:      headerName,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, manifestName), data, 0o644)
	}
	if err != nil {
		w.releaseLocked()
		return nil, Manifest{}, err
	}
	return w, manifest, nil
}

// Directory exposes the directory backing the replay bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// SetHeader replaces the header written on Close. Schema version, race ID and
// file pointer are always filled in by the writer.
func (w *Writer) SetHeader(h Header) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	h = h.Clone()
	h.SchemaVersion = HeaderSchemaVersion
	h.RaceID = w.raceID
	h.FilePointer = manifestName
	w.header = h
}

// AppendEvent writes one event line and flushes it to disk.
func (w *Writer) AppendEvent(tick uint64, elapsed time.Duration, eventType string, payload []byte) error {
	if w == nil {
		return ErrClosed
	}
	record := EventRecord{
		Tick:       tick,
		ElapsedMs:  elapsed.Milliseconds(),
		CapturedAt: w.now().UTC(),
		Type:       eventType,
		Payload:    payload,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	w.events++
	return w.eventStream.Flush()
}

// AppendFrame buffers a snapshot; buffered frames reach disk once per interval.
func (w *Writer) AppendFrame(tick uint64, elapsed time.Duration, payload []byte) error {
	if w == nil {
		return ErrClosed
	}
	captured := w.now().UTC()
	frame := FrameRecord{
		Tick:       tick,
		ElapsedMs:  elapsed.Milliseconds(),
		CapturedAt: captured,
		Payload:    append([]byte(nil), payload...),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.pending = append(w.pending, frame)
	w.frames++
	if w.lastFlush.IsZero() {
		w.lastFlush = captured
		return nil
	}
	if captured.Sub(w.lastFlush) < w.interval {
		return nil
	}
	w.lastFlush = captured
	return w.flushLocked()
}

// Counts reports how many events and frames were appended.
func (w *Writer) Counts() (events, frames int) {
	if w == nil {
		return 0, 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events, w.frames
}

// Flush forces pending frames to be written regardless of cadence.
func (w *Writer) Flush() error {
	if w == nil {
		return ErrClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return w.frameStream.Flush()
}

// Close writes the header, flushes every buffer and releases the files. The
// first failure is returned; closing twice is a no-op.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(WriteHeader(filepath.Join(w.dir, headerName), w.header))
	keep(w.flushLocked())
	keep(w.eventStream.Flush())
	keep(w.releaseLocked())
	return firstErr
}

func (w *Writer) releaseLocked() error {
	w.closed = true
	var firstErr error
	for _, closer := range []func() error{w.eventStream.Close, w.eventFile.Close, w.frameStream.Close, w.frameFile.Close} {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flushLocked writes buffered frames to the zstd stream; callers hold the mutex.
func (w *Writer) flushLocked() error {
	for _, frame := range w.pending {
		header := make([]byte, frameHeaderSize)
		binary.LittleEndian.PutUint64(header[0:8], frame.Tick)
		binary.LittleEndian.PutUint64(header[8:16], uint64(frame.ElapsedMs))
		binary.LittleEndian.PutUint64(header[16:24], uint64(frame.CapturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[24:28], uint32(len(frame.Payload)))
		if _, err := w.frameStream.Write(header); err != nil {
			return err
		}
		if _, err := w.frameStream.Write(frame.Payload); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	return nil
}
