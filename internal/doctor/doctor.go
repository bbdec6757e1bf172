// Package doctor validates flux configuration and the host it builds on.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/flux/internal/config"
	"github.com/mattjoyce/flux/internal/runner"
	"github.com/mattjoyce/flux/internal/sshcmd"
)

// sshUnreachable is the exit status ssh reserves for its own failures.
const sshUnreachable = 255

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration and, on request, the tools and
// remotes a build depends on.
type Doctor struct {
	cfg      *config.Config
	lookPath func(file string) (string, error)
	run      func(ctx context.Context, argv []string) (int, error)
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:      cfg,
		lookPath: exec.LookPath,
		run: func(ctx context.Context, argv []string) (int, error) {
			quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
			return runner.Run(ctx, runner.Args(argv...), quiet, runner.Options{Grace: time.Second})
		},
	}
}

// Validate runs the configuration checks. It performs no network I/O.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateStateConfig(r)
	d.validateBuildConfig(r)
	d.validateSSHConfig(r)
	d.warnWeakCredentials(r)

	r.Valid = len(r.Errors) == 0
	return r
}

// Check runs Validate, then looks for git and ssh on PATH and tries each
// distinct ssh host behind cloneURLs.
func (d *Doctor) Check(ctx context.Context, cloneURLs []string) *Result {
	r := d.Validate()
	d.checkTools(r)
	d.checkSSHHosts(ctx, r, cloneURLs)
	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.RootDir == "" {
		d.addError(r, "service", "root_dir", "root_dir is required")
	}
	if d.cfg.Port < 1 || d.cfg.Port > 65535 {
		d.addError(r, "service", "port", fmt.Sprintf("port %d is out of range", d.cfg.Port))
	}
	switch strings.ToLower(d.cfg.Service.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		d.addWarning(r, "service", "service.log_level",
			fmt.Sprintf("unknown log level %q, info is used", d.cfg.Service.LogLevel))
	}
	switch strings.ToLower(d.cfg.Service.LogFormat) {
	case "", "json", "text":
	default:
		d.addWarning(r, "service", "service.log_format",
			fmt.Sprintf("unknown log format %q, json is used", d.cfg.Service.LogFormat))
	}
	if _, err := config.ParseSize(d.cfg.MaxBodySize); d.cfg.MaxBodySize != "" && err != nil {
		d.addError(r, "service", "max_body_size", err.Error())
	}
}

func (d *Doctor) validateStateConfig(r *Result) {
	switch d.cfg.State.Driver {
	case "", config.DriverSQLite:
		if d.cfg.State.Path == "" {
			d.addError(r, "state", "state.path", "state.path is required for sqlite")
		}
	case config.DriverPostgres:
		if d.cfg.State.DSN == "" {
			d.addError(r, "state", "state.dsn", "state.dsn is required for postgres")
		}
	default:
		d.addError(r, "state", "state.driver",
			fmt.Sprintf("unsupported driver %q (expected sqlite or postgres)", d.cfg.State.Driver))
	}
}

func (d *Doctor) validateBuildConfig(r *Result) {
	if d.cfg.BuildDir == "" {
		d.addError(r, "build", "build_dir", "build_dir is required")
	}
	if d.cfg.ParallelBuilds < 1 {
		d.addError(r, "build", "parallel_builds", "parallel_builds must be at least 1")
	}
	if len(d.cfg.BuildScripts) == 0 {
		d.addError(r, "build", "build_scripts", "at least one build script name is required")
	}
	for i, name := range d.cfg.BuildScripts {
		if strings.ContainsAny(name, `/\`) {
			d.addWarning(r, "build", fmt.Sprintf("build_scripts[%d]", i),
				fmt.Sprintf("%q is resolved relative to the checkout", name))
		}
	}
	if d.cfg.BuildTimeout == 0 {
		d.addWarning(r, "build", "build_timeout", "build_timeout is 0; builds never time out")
	}
	if d.cfg.BuildRetention == 0 {
		d.addWarning(r, "build", "build_retention", "build_retention is 0; workspaces are kept forever")
	} else if d.cfg.JanitorEvery <= 0 {
		d.addWarning(r, "build", "janitor_interval", "build_retention is set but janitor_interval is 0; nothing is removed")
	}
}

func (d *Doctor) validateSSHConfig(r *Result) {
	path := d.cfg.SSHIdentityFile
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		d.addError(r, "ssh", "ssh_identity_file", fmt.Sprintf("cannot read identity file: %v", err))
		return
	}
	if info.IsDir() {
		d.addError(r, "ssh", "ssh_identity_file", fmt.Sprintf("%s is a directory", path))
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		d.addWarning(r, "ssh", "ssh_identity_file",
			fmt.Sprintf("%s is accessible by others (mode %#o); ssh will refuse it", path, info.Mode().Perm()))
	}
}

func (d *Doctor) warnWeakCredentials(r *Result) {
	if d.cfg.SecretKey == "" {
		d.addWarning(r, "auth", "secret_key", "secret_key is empty; sessions end when the server restarts")
	}
	if d.cfg.RootPassword == config.Defaults().RootPassword {
		d.addWarning(r, "auth", "root_password", "root_password is the default; change it")
	}
	switch {
	case d.cfg.APIKey == "":
		d.addWarning(r, "auth", "api_key", "api_key is empty; /events and flux watch need a session")
	case len(d.cfg.APIKey) < 16:
		d.addWarning(r, "auth", "api_key", "api_key is shorter than 16 characters")
	}
}

func (d *Doctor) checkTools(r *Result) {
	if _, err := d.lookPath("git"); err != nil {
		d.addError(r, "host", "", "git not found on PATH")
	}
	if _, err := d.lookPath("ssh"); err != nil {
		d.addWarning(r, "host", "", "ssh not found on PATH; only local and http clones will work")
	}
}

// checkSSHHosts connects to each host with the same options a clone uses.
// Any exit other than ssh's own 255 means the host accepted the key; git
// servers usually reject the shell afterwards with 1.
func (d *Doctor) checkSSHHosts(ctx context.Context, r *Result, cloneURLs []string) {
	hosts := map[string]bool{}
	for _, u := range cloneURLs {
		if h, ok := sshcmd.Host(u); ok {
			hosts[h] = true
		}
	}
	sorted := make([]string, 0, len(hosts))
	for h := range hosts {
		sorted = append(sorted, h)
	}
	sort.Strings(sorted)

	for _, host := range sorted {
		argv := sshcmd.Command(host, nil, sshcmd.Options{
			NoPTTY:       true,
			IdentityFile: d.cfg.SSHIdentityFile,
			SSHOptions:   append(sshcmd.DefaultOptions(), sshcmd.Option{Key: "ConnectTimeout", Value: "10"}),
		})
		sshCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		code, err := d.run(sshCtx, argv)
		cancel()
		switch {
		case err != nil:
			d.addError(r, "ssh", host, fmt.Sprintf("ssh check failed: %v", err))
		case code == sshUnreachable:
			d.addError(r, "ssh", host, "ssh could not connect or authenticate")
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
