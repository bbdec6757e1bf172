// Package sshcmd builds ssh argument vectors for cloning and probing
// repositories over SSH.
package sshcmd

import (
	"net/url"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

// Option is one "-o Key=Value" ssh option.
type Option struct {
	Key   string
	Value string
}

// Options controls the generated vector. A nil SSHOptions slice means
// [{BatchMode yes}]; an empty non-nil slice means no -o flags at all.
type Options struct {
	NoPTTY       bool
	IdentityFile string
	Verbose      bool
	SSHOptions   []Option
}

// DefaultOptions disables interactive prompts.
func DefaultOptions() []Option {
	return []Option{{Key: "BatchMode", Value: "yes"}}
}

// Command returns the ssh argument vector:
//
//	ssh [url] -o<k>=<v>... [-T] [-i <file>] [-v] [-- args...]
//
// An empty url is omitted. It performs no I/O.
func Command(url string, args []string, opts Options) []string {
	sshOpts := opts.SSHOptions
	if sshOpts == nil {
		sshOpts = DefaultOptions()
	}

	cmd := []string{"ssh"}
	if url != "" {
		cmd = append(cmd, url)
	}
	for _, o := range sshOpts {
		cmd = append(cmd, "-o"+o.Key+"="+o.Value)
	}
	if opts.NoPTTY {
		cmd = append(cmd, "-T")
	}
	if opts.IdentityFile != "" {
		cmd = append(cmd, "-i", opts.IdentityFile)
	}
	if opts.Verbose {
		cmd = append(cmd, "-v")
	}
	if len(args) > 0 {
		cmd = append(cmd, "--")
		cmd = append(cmd, args...)
	}
	return cmd
}

// GitSSHCommand renders the url-less vector as a shell string for
// GIT_SSH_COMMAND; git appends the host and remote command itself.
func GitSSHCommand(opts Options) string {
	return shellquote.Join(Command("", nil, opts)...)
}

// Host strips the path from an ssh clone URL, leaving something ssh can
// connect to: "ssh://git@host:2222/a/b.git" becomes "ssh://git@host:2222"
// and "git@host:a/b.git" becomes "git@host". Other schemes report false.
func Host(cloneURL string) (string, bool) {
	if strings.Contains(cloneURL, "://") {
		u, err := url.Parse(cloneURL)
		if err != nil || u.Scheme != "ssh" || u.Host == "" {
			return "", false
		}
		u.Path, u.RawPath, u.RawQuery, u.Fragment = "", "", "", ""
		return u.String(), true
	}
	host, _, ok := strings.Cut(cloneURL, ":")
	if !ok || host == "" || strings.ContainsAny(host, "/\\") {
		return "", false
	}
	return host, true
}
