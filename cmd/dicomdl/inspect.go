package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/wxhou/cloud-dicom-downloader/internal/layout"
	"github.com/wxhou/cloud-dicom-downloader/internal/manifest"
)

// runInspect resolves a manifest without touching the network: it prints
// the study directory the download would produce and the per-series
// image counts, so a manifest can be sanity-checked before a long run.
func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)

	manifestPath := fs.String("manifest", "", "Study manifest file (required)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: dicomdl inspect [options]

Parse a study manifest and print the study summary without fetching.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -manifest is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	m, err := manifest.Load(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	st, err := m.StudyDescriptor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	fmt.Printf("Study:     %s / %s\n", st.PatientName, st.ExamName)
	fmt.Printf("Directory: %s\n", layout.StudyDirName(st.PatientName, st.ExamName, st.ExamTime.Format("2006-01-02 15:04:05")))

	source := m.Source()
	total := 0
	for {
		se, err := source.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitAdapterError
		}
		codecs := map[string]int{}
		for _, img := range se.Images {
			codecs[img.Codec.String()]++
		}
		fmt.Printf("Series %d (%s): %d images %v\n", se.Number, se.Name, len(se.Images), codecs)
		total += len(se.Images)
	}
	fmt.Printf("Total: %d images\n", total)
	return ExitSuccess
}
