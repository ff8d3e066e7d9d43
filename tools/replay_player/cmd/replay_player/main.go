package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"poleposition/raceserver/tools/replay_player"
)

func main() {
	path := flag.String("path", "", "Path to a replay directory or manifest.json")
	tick := flag.Uint64("tick", 0, "print the field at this tick instead of the whole race")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	race, err := replayplayer.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	var payload any = race
	if *tick > 0 {
		payload = race.Positions(*tick)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
}
