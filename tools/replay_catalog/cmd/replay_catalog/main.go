package main

import (
	"flag"
	"fmt"
	"os"

	"poleposition/raceserver/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing recorded races")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of a table")
	flag.Parse()

	entries, err := replaycatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}
	fmt.Println(replaycatalog.Render(entries))
}
