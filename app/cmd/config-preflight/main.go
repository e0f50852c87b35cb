package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"advisor0/app/core/preflight"
)

func main() {
	configPath := flag.String("config", filepath.Join("config", "config.json"), "path to runtime config json")
	outputPath := flag.String("output", "-", "path to write the report (use - for stdout)")
	allowMissingConfig := flag.Bool("allow-missing-config", true, "validate the default config when the file is missing")
	skipEnv := flag.Bool("skip-env", false, "skip environment checks")
	flag.Parse()

	report := preflight.EvaluatePath(*configPath, preflight.Options{
		AllowMissingConfig: *allowMissingConfig,
		SkipEnv:            *skipEnv,
	})

	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config preflight failed: marshal report: %v\n", err)
		os.Exit(2)
	}
	payload = append(payload, '\n')

	if *outputPath == "-" {
		if _, err := os.Stdout.Write(payload); err != nil {
			fmt.Fprintf(os.Stderr, "config preflight failed: write stdout: %v\n", err)
			os.Exit(2)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(*outputPath), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "config preflight failed: create output directory: %v\n", err)
			os.Exit(2)
		}
		if err := os.WriteFile(*outputPath, payload, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "config preflight failed: write report: %v\n", err)
			os.Exit(2)
		}
	}

	if !report.Gate.Passed {
		fmt.Fprintln(os.Stderr, "config preflight gate failed")
		for _, failure := range report.Gate.Failures {
			fmt.Fprintf(os.Stderr, " - %s\n", failure)
		}
		os.Exit(1)
	}
	fmt.Println("config preflight gate passed")
}
