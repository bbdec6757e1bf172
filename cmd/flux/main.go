package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "repo":
		return runRepoNoun(args)
	case "user":
		return runUserNoun(args)
	case "build":
		return runBuildNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "doctor":
		if hasHelpFlag(args) {
			printDoctorHelp()
			return 0
		}
		return runDoctor(args)
	case "watch":
		if hasHelpFlag(args) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: flux version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("flux %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`flux - Lightweight private continuous integration server

Usage:
  flux <noun> <action> [flags]

Core Resources (Nouns):
  system    Server lifecycle and health
  config    Configuration validation and integrity
  repo      Registered repositories
  user      Login accounts
  build     Build history, logs and manual triggers

System Commands:
  system start      Start the server in the foreground
  system status     Show config, database and PID lock health
  system watch      Live build dashboard TUI

Config Commands:
  config check      Validate configuration
  config lock       Record the config file's integrity hash

Repo Commands:
  repo add <owner/name> --url URL   Register a repository
  repo list                          List registered repositories

User Commands:
  user add <name>   Create a login account

Build Commands:
  build list [owner/name]             Show recent builds
  build log <owner/name> <num>        Print a build log
  build trigger <owner/name>          Queue a build on a running server

General:
  doctor            Validate config, tools and ssh access to clone hosts
  watch             Alias for 'system watch'
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'flux <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runRepoNoun(args []string) int {
	if len(args) < 1 {
		printRepoNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printRepoNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "add":
		if hasHelpFlag(actionArgs) {
			printRepoAddHelp()
			return 0
		}
		return runRepoAdd(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			printRepoListHelp()
			return 0
		}
		return runRepoList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown repo action: %s\n", action)
		return 1
	}
}

func runUserNoun(args []string) int {
	if len(args) < 1 {
		printUserNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printUserNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "add":
		if hasHelpFlag(actionArgs) {
			printUserAddHelp()
			return 0
		}
		return runUserAdd(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown user action: %s\n", action)
		return 1
	}
}

func runBuildNoun(args []string) int {
	if len(args) < 1 {
		printBuildNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printBuildNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printBuildListHelp()
			return 0
		}
		return runBuildList(actionArgs)
	case "log":
		if hasHelpFlag(actionArgs) {
			printBuildLogHelp()
			return 0
		}
		return runBuildLog(actionArgs)
	case "trigger":
		if hasHelpFlag(actionArgs) {
			printBuildTriggerHelp()
			return 0
		}
		return runBuildTrigger(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown build action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- HELP ---

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: flux system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: flux config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock")
}

func printRepoNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: flux repo <action> [flags]")
	fmt.Fprintln(w, "Actions: add, list")
}

func printUserNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: flux user <action> [flags]")
	fmt.Fprintln(w, "Actions: add")
}

func printBuildNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: flux build <action> [flags]")
	fmt.Fprintln(w, "Actions: list, log, trigger")
}

func printSystemStartHelp() {
	fmt.Println("Usage: flux system start [--config PATH]")
	fmt.Println("Start the webhook receiver, build workers and web API in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: flux system status [--config PATH] [--json]")
	fmt.Println("Show config, database readiness and PID lock state.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: flux system watch [flags]")
	fmt.Println()
	fmt.Println("Live build dashboard fed by the server's event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --config PATH    Read the server URL and api_key from this config")
	fmt.Println("  --api-url URL    Server URL (default: the config's app_url or host:port)")
	fmt.Println("  --api-key KEY    API key (or FLUX_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Navigate builds")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: flux config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration without touching the network.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: flux config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Record the config file's BLAKE3 hash in .checksums so later loads detect edits.")
}

func printDoctorHelp() {
	fmt.Println("Usage: flux doctor [--config PATH] [--json] [--strict]")
	fmt.Println("Validate configuration, check git and ssh are installed, and try")
	fmt.Println("every ssh host used by a registered repository.")
}

func printRepoAddHelp() {
	fmt.Println("Usage: flux repo add <owner/name> --url CLONE_URL [--provider github|gogs] [--secret SECRET] [--config PATH]")
	fmt.Println("Register a repository. A random webhook secret is generated when --secret is omitted.")
}

func printRepoListHelp() {
	fmt.Println("Usage: flux repo list [--config PATH] [--json]")
	fmt.Println("List registered repositories.")
}

func printUserAddHelp() {
	fmt.Println("Usage: flux user add <name> [--password PASSWORD] [--config PATH]")
	fmt.Println("Create a login account. The password is read from FLUX_PASSWORD when --password is omitted.")
}

func printBuildListHelp() {
	fmt.Println("Usage: flux build list [owner/name] [--limit N] [--status STATUS] [--config PATH] [--json]")
	fmt.Println("Show recent builds, optionally for one repository or in one state.")
}

func printBuildLogHelp() {
	fmt.Println("Usage: flux build log <owner/name> <num> [--config PATH]")
	fmt.Println("Print the log of one build.")
}

func printBuildTriggerHelp() {
	fmt.Println("Usage: flux build trigger <owner/name> [--ref REF] [--commit SHA] [--user NAME] [--password PASSWORD] [--api-url URL] [--config PATH]")
	fmt.Println("Log in to a running server and queue a build. Without --ref and --commit")
	fmt.Println("the push of the repository's latest build is rebuilt.")
}
