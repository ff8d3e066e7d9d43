package grpc

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"poleposition/raceserver/internal/standings"
)

// EncodeFrame converts a frame into its Struct wire form.
func EncodeFrame(f StandingsFrame) (*structpb.Struct, error) {
	rows := make([]any, 0, len(f.Standings))
	for _, st := range f.Standings {
		rows = append(rows, map[string]any{
			"id":             st.ID,
			"name":           st.Name,
			"position":       float64(st.Position),
			"array_position": float64(st.ArrayPosition),
			"lap":            float64(st.Lap),
			"arc_length":     st.ArcLength,
		})
	}
	return structpb.NewStruct(map[string]any{
		"tick":       float64(f.Tick),
		"race_id":    f.RaceID,
		"phase":      f.Phase,
		"elapsed_ms": float64(f.Elapsed.Milliseconds()),
		"standings":  rows,
	})
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(msg *structpb.Struct) (StandingsFrame, error) {
	if msg == nil {
		return StandingsFrame{}, fmt.Errorf("decode standings: nil frame")
	}
	fields := msg.GetFields()
	frame := StandingsFrame{
		Tick:    uint64(fields["tick"].GetNumberValue()),
		RaceID:  fields["race_id"].GetStringValue(),
		Phase:   fields["phase"].GetStringValue(),
		Elapsed: time.Duration(fields["elapsed_ms"].GetNumberValue()) * time.Millisecond,
	}
	for i, value := range fields["standings"].GetListValue().GetValues() {
		row := value.GetStructValue()
		if row == nil {
			return frame, fmt.Errorf("decode standings: row %d is not an object", i)
		}
		rf := row.GetFields()
		arc := rf["arc_length"].GetNumberValue()
		if math.IsNaN(arc) {
			arc = standings.Sentinel
		}
		frame.Standings = append(frame.Standings, standings.Standing{
			ID:            rf["id"].GetStringValue(),
			Name:          rf["name"].GetStringValue(),
			Position:      int(rf["position"].GetNumberValue()),
			ArrayPosition: int(rf["array_position"].GetNumberValue()),
			Lap:           int(rf["lap"].GetNumberValue()),
			ArcLength:     arc,
		})
	}
	return frame, nil
}
