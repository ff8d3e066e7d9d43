package main

import (
	"encoding/json"
	"net/http"
	"sort"
)

// ControlDoc describes one driver control and the input field that carries it.
type ControlDoc struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Field       string `json:"field,omitempty"`
	Range       string `json:"range,omitempty"`
	Shortcut    string `json:"shortcut,omitempty"`
}

// defaultControlDocs lists what a client may send in an input message.
var defaultControlDocs = []ControlDoc{
	{
		ID:          "accelerate",
		Label:       "Accelerate",
		Description: "Throttle. Negative values reverse once the kart has stopped.",
		Field:       "controls.acceleration",
		Range:       "-1..1",
		Shortcut:    "W / Arrow Up",
	},
	{
		ID:          "brake",
		Label:       "Brake",
		Description: "Brake pressure applied against the direction of travel.",
		Field:       "controls.brake",
		Range:       "0..1",
		Shortcut:    "Space",
	},
	{
		ID:          "steer",
		Label:       "Steer",
		Description: "Front wheel steering. Negative turns left.",
		Field:       "controls.steering",
		Range:       "-1..1",
		Shortcut:    "A / D, Arrow Left / Arrow Right",
	},
	{
		ID:          "ready",
		Label:       "Ready",
		Description: "Toggle ready in the lobby. The countdown starts once every seat is taken and ready.",
		Shortcut:    "Enter",
	},
}

// registerControlDocEndpoints serves the control reference at /api/controls.
func registerControlDocEndpoints(mux *http.ServeMux) {
	mux.HandleFunc("/api/controls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		docs := append([]ControlDoc(nil), defaultControlDocs...)
		sort.SliceStable(docs, func(i, j int) bool {
			if docs[i].Label == docs[j].Label {
				return docs[i].ID < docs[j].ID
			}
			return docs[i].Label < docs[j].Label
		})

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(docs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
