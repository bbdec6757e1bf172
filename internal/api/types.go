package api

import (
	"github.com/mattjoyce/flux/internal/store"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	Running       int    `json:"running"`
	Workers       int    `json:"workers"`
	Database      string `json:"database"`
}

// LoginRequest is the JSON body for POST /login. Form posts use the same
// field names.
type LoginRequest struct {
	UserName string `json:"user_name"`
	Password string `json:"password"`
}

// TriggerRequest is the optional body for POST /repos/{owner}/{name}/builds.
// Empty fields are taken from the repository's latest build.
type TriggerRequest struct {
	Ref    string `json:"ref,omitempty"`
	Commit string `json:"commit,omitempty"`
}

// BuildResponse is a build plus the URLs that reach its log.
type BuildResponse struct {
	store.Build
	LogURL  string `json:"log_url"`
	TailURL string `json:"tail_url"`
}

func newBuildResponse(b store.Build) BuildResponse {
	base := buildPath(b.Repository.Owner, b.Repository.Name, b.Num)
	return BuildResponse{
		Build:   b,
		LogURL:  base + "/log",
		TailURL: base + "/log/ws",
	}
}
