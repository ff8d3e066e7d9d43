// Package wire is the msgpack message protocol spoken over the race
// websocket. Every frame is an Envelope whose payload decodes according to
// its Type.
package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownType is returned for envelopes whose type is not part of the protocol.
var ErrUnknownType = errors.New("unknown message type")

// Type names a message.
type Type string

const (
	// Client to server.
	TypeJoin      Type = "join"
	TypeReady     Type = "ready"
	TypeName      Type = "name"
	TypeInput     Type = "input"
	TypeArcLength Type = "arc_length"

	// Server to client.
	TypeWelcome    Type = "welcome"
	TypeSnapshot   Type = "snapshot"
	TypeRoster     Type = "roster"
	TypeGrid       Type = "grid"
	TypeCountdown  Type = "countdown"
	TypeStartGame  Type = "start_game"
	TypeWrongWay   Type = "wrong_way"
	TypeClassified Type = "classified"
	TypeFinishGame Type = "finish_game"
	TypeScores     Type = "scores"
	TypeError      Type = "error"

	// Both directions.
	TypeLapTime Type = "lap_time"
)

var knownTypes = map[Type]struct{}{
	TypeJoin: {}, TypeReady: {}, TypeName: {}, TypeInput: {}, TypeArcLength: {},
	TypeWelcome: {}, TypeSnapshot: {}, TypeRoster: {}, TypeGrid: {}, TypeCountdown: {},
	TypeStartGame: {}, TypeWrongWay: {}, TypeClassified: {}, TypeFinishGame: {},
	TypeScores: {}, TypeError: {}, TypeLapTime: {},
}

// Envelope is one frame on the wire.
type Envelope struct {
	Type    Type               `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
}

// Encode marshals payload under type t. A nil payload sends an empty envelope.
func Encode(t Type, payload any) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		raw, err := msgpack.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", t, err)
	}
	return data, nil
}

// Decode unmarshals the envelope; the payload stays raw until Into is called.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if _, ok := knownTypes[env.Type]; !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

// Into decodes the payload into v.
func (e Envelope) Into(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty", e.Type)
	}
	if err := msgpack.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// TicksPerSecond is the resolution of elapsed times on the wire.
const TicksPerSecond = int64(time.Second / tick)

const tick = 100 * time.Nanosecond

// ToTicks converts d to 100ns ticks.
func ToTicks(d time.Duration) int64 { return int64(d / tick) }

// FromTicks converts 100ns ticks back to a duration.
func FromTicks(ticks int64) time.Duration { return time.Duration(ticks) * tick }
