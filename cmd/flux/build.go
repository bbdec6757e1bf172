package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/flux/internal/api"
	"github.com/mattjoyce/flux/internal/auth"
	"github.com/mattjoyce/flux/internal/store"
	"github.com/mattjoyce/flux/internal/workspace"
)

const defaultBuildListLimit = 20

func runBuildList(args []string) int {
	var configPath, status string
	var limit int
	var jsonOut bool

	fs := flag.NewFlagSet("build list", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&status, "status", "", "Only builds in this state (pending, running, success, failed)")
	fs.IntVar(&limit, "limit", defaultBuildListLimit, "Maximum builds to show")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	flags, positionals := splitFlagsAndPositionals(args, valueFlags(fs))
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) > 1 {
		fmt.Fprintln(os.Stderr, "Usage: flux build list [owner/name] [--limit N] [--status STATUS]")
		return 1
	}
	switch store.Status(status) {
	case "", store.StatusPending, store.StatusRunning, store.StatusSuccess, store.StatusFailed:
	default:
		fmt.Fprintf(os.Stderr, "Unknown status %q\n", status)
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer st.Close()

	var builds []store.Build
	switch {
	case len(positionals) == 1:
		repo, code := lookupRepo(ctx, st, positionals[0])
		if code != 0 {
			return code
		}
		builds, err = st.Builds().ListByRepository(ctx, repo.ID, 0)
	case status != "":
		builds, err = st.Builds().ListByStatus(ctx, store.Status(status))
	default:
		builds, err = st.Builds().Recent(ctx, limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list builds: %v\n", err)
		return 1
	}
	builds = filterBuilds(builds, store.Status(status), limit)

	if jsonOut {
		if builds == nil {
			builds = []store.Build{}
		}
		out, _ := json.MarshalIndent(builds, "", "  ")
		fmt.Println(string(out))
		return 0
	}

	if len(builds) == 0 {
		fmt.Println("No builds.")
		return 0
	}
	fmt.Printf("%-28s %6s  %-8s  %-16s  %-8s  %s\n", "REPOSITORY", "#", "STATUS", "REASON", "COMMIT", "CREATED")
	for _, b := range builds {
		fmt.Printf("%-28s %6d  %-8s  %-16s  %-8s  %s\n",
			b.Repository.FullName(), b.Num, b.Status, formatReason(b), shortSHA(b.Push.Commit),
			b.CreatedAt.Local().Format(time.DateTime))
	}
	return 0
}

func filterBuilds(builds []store.Build, status store.Status, limit int) []store.Build {
	if status != "" {
		kept := builds[:0]
		for _, b := range builds {
			if b.Status == status {
				kept = append(kept, b)
			}
		}
		builds = kept
	}
	if limit > 0 && len(builds) > limit {
		builds = builds[:limit]
	}
	return builds
}

func formatReason(b store.Build) string {
	if b.Reason == store.ReasonNone {
		return "-"
	}
	if b.ExitCode != nil && *b.ExitCode != 0 {
		return fmt.Sprintf("%s (%d)", b.Reason, *b.ExitCode)
	}
	return string(b.Reason)
}

func shortSHA(commit string) string {
	if commit == "" {
		return "-"
	}
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}

func lookupRepo(ctx context.Context, st *store.Store, fullName string) (store.Repository, int) {
	owner, name, ok := store.SplitFullName(fullName)
	if !ok {
		fmt.Fprintf(os.Stderr, "Invalid repository %q: expected owner/name\n", fullName)
		return store.Repository{}, 1
	}
	repo, err := st.Repositories().GetByFullName(ctx, owner, name)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Unknown repository: %s\n", fullName)
		return store.Repository{}, 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to look up repository: %v\n", err)
		return store.Repository{}, 1
	}
	return repo, 0
}

func runBuildLog(args []string) int {
	var configPath string

	fs := flag.NewFlagSet("build log", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")

	flags, positionals := splitFlagsAndPositionals(args, valueFlags(fs))
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: flux build log <owner/name> <num>")
		return 1
	}
	num, err := strconv.ParseInt(strings.TrimPrefix(positionals[1], "#"), 10, 64)
	if err != nil || num < 1 {
		fmt.Fprintf(os.Stderr, "Invalid build number %q\n", positionals[1])
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer st.Close()

	repo, code := lookupRepo(ctx, st, positionals[0])
	if code != 0 {
		return code
	}
	b, err := st.Builds().GetByNumber(ctx, repo.ID, num)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Unknown build: %s #%d\n", repo.FullName(), num)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to look up build: %v\n", err)
		return 1
	}

	ws, err := workspace.NewFSManager(cfg.BuildDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open build directory: %v\n", err)
		return 1
	}
	path, err := ws.LogPath(repo.Owner, repo.Name, b.Num)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve log path: %v\n", err)
		return 1
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "No log for %s #%d (status %s)\n", repo.FullName(), b.Num, b.Status)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log: %v\n", err)
		return 1
	}
	defer f.Close()

	if _, err := io.Copy(os.Stdout, f); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read log: %v\n", err)
		return 1
	}
	return 0
}

// runBuildTrigger logs in to a running server and asks it to queue a build;
// the server owns the queue, so the CLI cannot enqueue directly.
func runBuildTrigger(args []string) int {
	var configPath, apiURL, userName, password, ref, commit string

	fs := flag.NewFlagSet("build trigger", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&apiURL, "api-url", "", "Server URL (default: the config's app_url or host:port)")
	fs.StringVar(&userName, "user", "", "Login name (default: the config's root_user)")
	fs.StringVar(&password, "password", os.Getenv("FLUX_PASSWORD"), "Password (or FLUX_PASSWORD env var)")
	fs.StringVar(&ref, "ref", "", "Git ref to build")
	fs.StringVar(&commit, "commit", "", "Commit to build")

	flags, positionals := splitFlagsAndPositionals(args, valueFlags(fs))
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: flux build trigger <owner/name> [--ref REF] [--commit SHA]")
		return 1
	}
	owner, name, ok := store.SplitFullName(positionals[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "Invalid repository %q: expected owner/name\n", positionals[0])
		return 1
	}

	if apiURL == "" || userName == "" {
		cfg, err := loadConfigForTool(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
			return 1
		}
		if apiURL == "" {
			apiURL = cfg.BaseURL()
		}
		if userName == "" {
			userName = cfg.RootUser
		}
	}
	if password == "" {
		fmt.Fprintln(os.Stderr, "Error: password required. Use --password or FLUX_PASSWORD env var.")
		return 1
	}

	client, err := newAPIClient(apiURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.login(ctx, userName, password); err != nil {
		fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
		return 1
	}
	location, transcript, err := client.trigger(ctx, owner, name, api.TriggerRequest{Ref: ref, Commit: commit})
	if transcript != "" {
		fmt.Print(transcript)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Trigger failed: %v\n", err)
		return 1
	}
	if location != "" {
		fmt.Printf("Build: %s%s\n", client.baseURL, location)
	}
	return 0
}

// apiClient holds a session cookie for one CLI invocation.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) (*apiClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
			// The auth gate answers with a redirect to the login page.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func (c *apiClient) login(ctx context.Context, user, password string) error {
	body, err := json.Marshal(api.LoginRequest{UserName: user, Password: password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+auth.LoginPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return errors.New(e.Error)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// trigger returns the new build's path and the server's transcript of the request.
func (c *apiClient) trigger(ctx context.Context, owner, name string, tr api.TriggerRequest) (string, string, error) {
	body, err := json.Marshal(tr)
	if err != nil {
		return "", "", err
	}
	url := fmt.Sprintf("%s/repos/%s/%s/builds", c.baseURL, owner, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	transcript, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	switch resp.StatusCode {
	case http.StatusAccepted:
		return resp.Header.Get("Location"), string(transcript), nil
	case http.StatusSeeOther, http.StatusUnauthorized:
		return "", "", errors.New("session rejected")
	default:
		return "", string(transcript), fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}
