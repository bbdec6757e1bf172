package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/mattjoyce/flux/internal/sshcmd"
	"github.com/mattjoyce/flux/internal/store"
	"github.com/mattjoyce/flux/internal/webhook"
)

func runRepoAdd(args []string) int {
	var configPath, cloneURL, provider, secret string
	var jsonOut bool

	fs := flag.NewFlagSet("repo add", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&cloneURL, "url", "", "Clone URL (ssh, https or local path)")
	fs.StringVar(&provider, "provider", string(store.ProviderGitHub), "Webhook provider (github, gogs)")
	fs.StringVar(&secret, "secret", "", "Webhook secret (generated when empty)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	flags, positionals := splitFlagsAndPositionals(args, valueFlags(fs))
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 || cloneURL == "" {
		fmt.Fprintln(os.Stderr, "Usage: flux repo add <owner/name> --url CLONE_URL [--provider github|gogs] [--secret SECRET]")
		return 1
	}
	owner, name, ok := store.SplitFullName(positionals[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "Invalid repository %q: expected owner/name\n", positionals[0])
		return 1
	}
	kind := store.ParseProvider(provider)
	if kind == store.ProviderUnsupported {
		fmt.Fprintf(os.Stderr, "Unsupported provider %q (expected github or gogs)\n", provider)
		return 1
	}
	if secret == "" {
		secret = uuid.NewString()
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

	repo, err := st.Repositories().Create(ctx, store.Repository{
		Owner:    owner,
		Name:     name,
		CloneURL: cloneURL,
		Secret:   secret,
		Provider: kind,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		fmt.Fprintf(os.Stderr, "Repository %s is already registered\n", positionals[0])
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to add repository: %v\n", err)
		return 1
	}

	hookURL := cfg.BaseURL() + webhook.PushPath
	if jsonOut {
		out, _ := json.MarshalIndent(struct {
			store.Repository
			Secret     string `json:"secret"`
			WebhookURL string `json:"webhook_url"`
		}{repo, secret, hookURL}, "", "  ")
		fmt.Println(string(out))
		return 0
	}

	fmt.Printf("Registered %s (%s)\n", repo.FullName(), repo.Provider)
	fmt.Printf("  Webhook URL:    %s\n", hookURL)
	fmt.Printf("  Content type:   application/json\n")
	fmt.Printf("  Webhook secret: %s\n", secret)
	if host, ok := sshcmd.Host(cloneURL); ok {
		fmt.Printf("  Clones over ssh from %s; run 'flux doctor' to check access.\n", host)
	}
	return 0
}

func runRepoList(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("repo list", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
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

	repos, err := st.Repositories().List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list repositories: %v\n", err)
		return 1
	}

	if jsonOut {
		if repos == nil {
			repos = []store.Repository{}
		}
		out, _ := json.MarshalIndent(repos, "", "  ")
		fmt.Println(string(out))
		return 0
	}

	fmt.Println("Repositories:")
	if len(repos) == 0 {
		fmt.Println("  (none)")
		return 0
	}
	for _, r := range repos {
		fmt.Printf("\n%s\n", r.FullName())
		fmt.Printf("  Clone URL:  %s\n", r.CloneURL)
		fmt.Printf("  Provider:   %s\n", r.Provider)
		fmt.Printf("  Next build: #%d\n", r.NextBuildNum)
	}
	return 0
}

func runUserAdd(args []string) int {
	var configPath, password string

	fs := flag.NewFlagSet("user add", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&password, "password", os.Getenv("FLUX_PASSWORD"), "Password (or FLUX_PASSWORD env var)")

	flags, positionals := splitFlagsAndPositionals(args, valueFlags(fs))
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 || strings.TrimSpace(positionals[0]) == "" {
		fmt.Fprintln(os.Stderr, "Usage: flux user add <name> [--password PASSWORD]")
		return 1
	}
	if password == "" {
		fmt.Fprintln(os.Stderr, "Error: password required. Use --password or FLUX_PASSWORD env var.")
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

	u, err := st.Users().Create(ctx, strings.TrimSpace(positionals[0]), password)
	if errors.Is(err, store.ErrAlreadyExists) {
		fmt.Fprintf(os.Stderr, "User %s already exists\n", positionals[0])
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to add user: %v\n", err)
		return 1
	}
	fmt.Printf("Created user %s\n", u.Name)
	return 0
}

// splitFlagsAndPositionals lets positionals come before flags, which the
// flag package would otherwise stop at.
func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	flags := make([]string, 0, len(args))
	positionals := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positionals = append(positionals, arg)
			continue
		}

		flags = append(flags, arg)
		if strings.Contains(arg, "=") {
			continue
		}
		if takesValue[arg] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}

	return flags, positionals
}

// valueFlags lists the non-boolean flags of fs in both -name and --name form.
func valueFlags(fs *flag.FlagSet) map[string]bool {
	out := map[string]bool{}
	fs.VisitAll(func(f *flag.Flag) {
		if b, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && b.IsBoolFlag() {
			return
		}
		out["-"+f.Name] = true
		out["--"+f.Name] = true
	})
	return out
}
