package replayplayer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"poleposition/raceserver/internal/replay"
	"poleposition/raceserver/internal/state"
	"poleposition/raceserver/internal/wire"
)

// Event is one decoded lifecycle broadcast. Message holds the decoded wire
// payload; recovery events are stored as JSON and kept verbatim.
type Event struct {
	Tick      uint64          `json:"tick"`
	ElapsedMs int64           `json:"elapsed_ms"`
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message,omitempty"`
}

// Frame is one recorded snapshot.
type Frame struct {
	Tick      uint64           `json:"tick"`
	ElapsedMs int64            `json:"elapsed_ms"`
	Cars      []state.CarState `json:"cars"`
	Removed   []string         `json:"removed,omitempty"`
}

// Replay is a whole race decoded for inspection.
type Replay struct {
	Manifest replay.Manifest `json:"manifest"`
	Header   replay.Header   `json:"header"`
	Events   []Event         `json:"events"`
	Frames   []Frame         `json:"frames"`
}

// Load decodes the bundle at path, which may be the bundle directory or its
// manifest.
func Load(path string) (*Replay, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	dir := path
	if !info.IsDir() {
		dir = filepath.Dir(path)
	}
	bundle, err := replay.Open(dir)
	if err != nil {
		return nil, err
	}

	//1.- Events first so the timeline reads in broadcast order.
	records, err := bundle.ReadEvents()
	if err != nil {
		return nil, err
	}
	out := &Replay{Manifest: bundle.Manifest, Header: bundle.Header}
	for _, record := range records {
		message, err := decodeEvent(record)
		if err != nil {
			return nil, fmt.Errorf("event at tick %d: %w", record.Tick, err)
		}
		out.Events = append(out.Events, Event{Tick: record.Tick, ElapsedMs: record.ElapsedMs, Type: record.Type, Message: message})
	}

	//2.- Frames are snapshot envelopes.
	frames, err := bundle.ReadFrames()
	if err != nil {
		return nil, err
	}
	for _, record := range frames {
		env, err := wire.Decode(record.Payload)
		if err != nil {
			return nil, fmt.Errorf("frame at tick %d: %w", record.Tick, err)
		}
		var snapshot wire.Snapshot
		if err := env.Into(&snapshot); err != nil {
			return nil, fmt.Errorf("frame at tick %d: %w", record.Tick, err)
		}
		out.Frames = append(out.Frames, Frame{Tick: record.Tick, ElapsedMs: record.ElapsedMs, Cars: snapshot.Cars, Removed: snapshot.Removed})
	}
	return out, nil
}

func decodeEvent(record replay.EventRecord) (json.RawMessage, error) {
	if len(record.Payload) == 0 {
		return nil, nil
	}
	if json.Valid(record.Payload) {
		return json.RawMessage(record.Payload), nil
	}
	env, err := wire.Decode(record.Payload)
	if err != nil {
		return nil, err
	}
	var message map[string]any
	if err := env.Into(&message); err != nil {
		return nil, err
	}
	return json.Marshal(message)
}

// Positions returns the last recorded position of every car at or before
// tick, rebuilt from the snapshot diffs.
func (r *Replay) Positions(tick uint64) map[string]state.CarState {
	cars := make(map[string]state.CarState)
	for _, frame := range r.Frames {
		if frame.Tick > tick {
			break
		}
		for _, car := range frame.Cars {
			cars[car.ID] = car
		}
		for _, id := range frame.Removed {
			delete(cars, id)
		}
	}
	return cars
}
