package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/flux/internal/config"
	"github.com/mattjoyce/flux/internal/doctor"
)

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	return printDoctorResult(doctor.New(cfg).Validate(), format, strict)
}

// runDoctor is config check plus the host checks: git and ssh on PATH and
// an ssh login to each registered repository's clone host.
func runDoctor(args []string) int {
	var configPath string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	var cloneURLs []string
	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Skipping ssh host checks, database unavailable: %v\n", err)
	} else {
		repos, err := st.Repositories().List(ctx)
		_ = st.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Skipping ssh host checks, failed to list repositories: %v\n", err)
		}
		for _, r := range repos {
			cloneURLs = append(cloneURLs, r.CloneURL)
		}
	}

	format := "human"
	if jsonOut {
		format = "json"
	}
	return printDoctorResult(doctor.New(cfg).Check(ctx, cloneURLs), format, strict)
}

func printDoctorResult(result *doctor.Result, format string, strict bool) int {
	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	if configPath == "" {
		configPath = config.Discover()
		if configPath == "" {
			fmt.Fprintln(os.Stderr, "No config file found; use --config")
			return 1
		}
	}
	if info, err := os.Stat(configPath); err == nil && info.IsDir() {
		configPath = filepath.Join(configPath, "flux.yaml")
	}

	report, err := config.Lock(configPath, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if isVerbose {
		fmt.Printf("HASH %s: %s\n", filepath.Base(report.ConfigPath), report.Hash)
	}
	if report.Written {
		fmt.Printf("Successfully locked configuration: %s\n", report.ConfigPath)
		if isVerbose {
			fmt.Printf("  WROTE .checksums: %s\n", report.ChecksumPath)
		}
	} else {
		fmt.Printf("Dry run completed for %s (no files written)\n", report.ConfigPath)
		if isVerbose {
			fmt.Printf("  DRY-RUN .checksums: %s (not written)\n", report.ChecksumPath)
		}
	}
	return 0
}
