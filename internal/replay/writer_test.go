package replay

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type steppedClock struct{ now time.Time }

func (c *steppedClock) Now() time.Time          { return c.now }
func (c *steppedClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
func newSteppedClock() *steppedClock            { return &steppedClock{now: time.Date(2024, 7, 10, 12, 0, 0, 0, time.UTC)} }

func TestWriterRoundTripsEventsAndFrames(t *testing.T) {
	root := t.TempDir()
	clock := newSteppedClock()

	writer, manifest, err := NewWriter(root, "2Ab/Race 9", clock.Now)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	if base := filepath.Base(writer.Directory()); base != "2AbRace9-20240710T120000Z" {
		t.Fatalf("unexpected bundle directory %q", base)
	}
	if manifest.FrameIntervalMs != 200 || manifest.RaceID != "2Ab/Race 9" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
	writer.SetHeader(Header{Circuit: "oval", PlayerCount: 2, MaxLaps: 3, Racers: []string{"a", "b"}})

	if err := writer.AppendEvent(1, 0, "start_game", []byte{0x81, 0xa1}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	for i := 0; i < 3; i++ {
		clock.Advance(120 * time.Millisecond)
		if err := writer.AppendFrame(uint64(10+i), time.Duration(i)*time.Second, []byte{byte(i), 0xff}); err != nil {
			t.Fatalf("append frame %d: %v", i, err)
		}
	}
	if err := writer.AppendEvent(99, 61*time.Second, "finish_game", nil); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	bundle, err := Open(writer.Directory())
	if err != nil {
		t.Fatalf("open bundle: %v", err)
	}
	if bundle.Header.RaceID != "2Ab/Race 9" || bundle.Header.Circuit != "oval" || len(bundle.Header.Racers) != 2 {
		t.Fatalf("unexpected header: %+v", bundle.Header)
	}
	if bundle.Header.SchemaVersion != HeaderSchemaVersion || bundle.Header.FilePointer != "manifest.json" {
		t.Fatalf("writer must own schema and pointer: %+v", bundle.Header)
	}

	events, err := bundle.ReadEvents()
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "start_game" || !bytes.Equal(events[0].Payload, []byte{0x81, 0xa1}) {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Tick != 99 || events[1].ElapsedMs != 61000 || events[1].Payload != nil {
		t.Fatalf("unexpected second event: %+v", events[1])
	}

	frames, err := bundle.ReadFrames()
	if err != nil {
		t.Fatalf("read frames: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, frame := range frames {
		if frame.Tick != uint64(10+i) || frame.ElapsedMs != int64(i*1000) {
			t.Fatalf("frame %d metadata mismatch: %+v", i, frame)
		}
		if !bytes.Equal(frame.Payload, []byte{byte(i), 0xff}) {
			t.Fatalf("frame %d payload mismatch: %v", i, frame.Payload)
		}
	}
	if !frames[2].CapturedAt.Equal(time.Date(2024, 7, 10, 12, 0, 0, 360_000_000, time.UTC)) {
		t.Fatalf("unexpected capture time %s", frames[2].CapturedAt)
	}
}

func TestWriterHoldsFramesUntilCadence(t *testing.T) {
	clock := newSteppedClock()
	writer, _, err := NewWriter(t.TempDir(), "cadence", clock.Now)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	defer writer.Close()

	_ = writer.AppendFrame(1, 0, []byte{1})
	clock.Advance(100 * time.Millisecond)
	_ = writer.AppendFrame(2, 0, []byte{2})
	if len(writer.pending) != 2 {
		t.Fatalf("expected frames buffered inside the interval, got %d", len(writer.pending))
	}
	clock.Advance(150 * time.Millisecond)
	_ = writer.AppendFrame(3, 0, []byte{3})
	if len(writer.pending) != 0 {
		t.Fatalf("expected flush once the interval elapsed, got %d pending", len(writer.pending))
	}
	if events, frames := writer.Counts(); events != 0 || frames != 3 {
		t.Fatalf("unexpected counts %d/%d", events, frames)
	}
}

func TestWriterRejectsAppendAfterClose(t *testing.T) {
	writer, _, err := NewWriter(t.TempDir(), "done", nil)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("second close must be a no-op: %v", err)
	}
	if err := writer.AppendEvent(1, 0, "x", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from event, got %v", err)
	}
	if err := writer.AppendFrame(1, 0, []byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from frame, got %v", err)
	}
}

func TestNewWriterRequiresRoot(t *testing.T) {
	if _, _, err := NewWriter("", "race", nil); err == nil {
		t.Fatalf("expected error for empty root")
	}
}

func TestOpenWithoutHeaderKeepsManifest(t *testing.T) {
	writer, _, err := NewWriter(t.TempDir(), "crashed", nil)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	defer writer.Close()
	if err := writer.AppendEvent(4, time.Second, "countdown", []byte("x")); err != nil {
		t.Fatalf("append event: %v", err)
	}

	//1.- The header only appears on Close; an open bundle is still readable.
	bundle, err := Open(writer.Directory())
	if err != nil {
		t.Fatalf("open bundle: %v", err)
	}
	if bundle.Header.RaceID != "" {
		t.Fatalf("expected empty header before close, got %+v", bundle.Header)
	}
	events, err := bundle.ReadEvents()
	if err != nil || len(events) != 1 {
		t.Fatalf("expected flushed event, got %v (%v)", events, err)
	}

	raw, err := os.ReadFile(filepath.Join(writer.Directory(), "manifest.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if !strings.HasSuffix(manifest.EventsPath, ".sz") || !strings.HasSuffix(manifest.FramesPath, ".zst") {
		t.Fatalf("unexpected manifest paths: %+v", manifest)
	}
}
