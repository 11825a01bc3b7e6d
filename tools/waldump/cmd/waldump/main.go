package main

import (
	"flag"
	"fmt"
	"os"

	"synap/tools/waldump"
)

func main() {
	path := flag.String("file", "", "path to a synap.wal file")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	fromOffset := flag.Uint64("from", 0, "skip records at or below this offset")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: waldump -file <path> [-json] [-from offset]")
		os.Exit(1)
	}

	entries, err := waldump.List(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	filtered := entries[:0]
	for _, e := range entries {
		if uint64(e.Offset) <= *fromOffset {
			continue
		}
		filtered = append(filtered, e)
	}

	if *jsonFlag {
		payload, err := waldump.MarshalEntries(filtered)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, e := range filtered {
		fmt.Println(waldump.FormatHuman(e))
	}
	fmt.Fprintf(os.Stderr, "%d records\n", len(filtered))
}
