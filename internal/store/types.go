package store

import (
	"strings"
	"time"
)

// Provider identifies the source-hosting service that sends webhooks for a
// repository. It decides how push events are authenticated.
type Provider string

const (
	ProviderGogs        Provider = "gogs"
	ProviderGitHub      Provider = "github"
	ProviderUnsupported Provider = "unsupported"
)

// ParseProvider maps a provider name onto the closed set; anything unknown
// becomes ProviderUnsupported.
func ParseProvider(s string) Provider {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderGogs:
		return ProviderGogs
	case ProviderGitHub:
		return ProviderGitHub
	default:
		return ProviderUnsupported
	}
}

// Repository is a registered source repository.
type Repository struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Name         string    `json:"name"`
	CloneURL     string    `json:"clone_url"`
	Secret       string    `json:"-"`
	Provider     Provider  `json:"provider"`
	NextBuildNum int64     `json:"next_build_num"`
	CreatedAt    time.Time `json:"created_at"`
}

// FullName returns "owner/name".
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// SplitFullName splits "owner/name". Both halves must be non-empty and the
// name must not contain another slash.
func SplitFullName(full string) (owner, name string, ok bool) {
	owner, name, ok = strings.Cut(full, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}

// PushMetadata is what a build records about the push that triggered it.
type PushMetadata struct {
	Ref      string `json:"ref,omitempty"`
	Commit   string `json:"commit,omitempty"`
	Pusher   string `json:"pusher,omitempty"`
	Delivery string `json:"delivery,omitempty"`
}

// Status is the lifecycle state of a build.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether a build in this state will never change again.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Reason classifies why a build failed.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonCloneFailed    Reason = "clone_failed"
	ReasonNoBuildScript  Reason = "no_build_script"
	ReasonScriptFailed   Reason = "script_failed"
	ReasonTimeout        Reason = "timeout"
	ReasonCancelled      Reason = "cancelled"
	ReasonInfrastructure Reason = "infrastructure"
)

// Build is one numbered execution of a repository's build script.
type Build struct {
	ID         string       `json:"id"`
	Repository Repository   `json:"repository"`
	Num        int64        `json:"num"`
	Status     Status       `json:"status"`
	Reason     Reason       `json:"reason,omitempty"`
	ExitCode   *int         `json:"exit_code,omitempty"`
	Push       PushMetadata `json:"push"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// Result is the terminal outcome the executor reports for a build.
type Result struct {
	Status   Status
	Reason   Reason
	ExitCode *int
}

// Succeeded returns a Success result for exit code 0.
func Succeeded() Result {
	code := 0
	return Result{Status: StatusSuccess, ExitCode: &code}
}

// Failed returns a Failed result. code may be nil when no process exited.
func Failed(reason Reason, code *int) Result {
	return Result{Status: StatusFailed, Reason: reason, ExitCode: code}
}

// User is a login account.
type User struct {
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
