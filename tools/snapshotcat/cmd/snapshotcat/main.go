package main

import (
	"flag"
	"fmt"
	"os"

	"synap/tools/snapshotcat"
)

func main() {
	path := flag.String("file", "", "path to a .snap file")
	jsonFlag := flag.Bool("json", false, "emit full decoded entries as JSON instead of a count summary")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: snapshotcat -file <path> [-json]")
		os.Exit(1)
	}

	summary, err := snapshotcat.Read(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := snapshotcat.MarshalSummary(summary)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	fmt.Print(snapshotcat.FormatCounts(summary))
}
