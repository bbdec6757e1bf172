package webhook

import (
	"crypto/subtle"

	"github.com/mattjoyce/flux/internal/payload"
	"github.com/mattjoyce/flux/internal/store"
)

// Verify reports whether ev was sent by repo's provider. It never errors;
// anything it cannot check is a rejection.
func Verify(ev PushEvent, repo store.Repository) bool {
	if repo.Secret == "" {
		return false
	}
	switch repo.Provider {
	case store.ProviderGogs:
		return verifyGogs(ev, repo.Secret)
	case store.ProviderGitHub:
		return verifyGitHub(ev, repo.Secret)
	case store.ProviderUnsupported:
		return false
	default:
		return false
	}
}

// verifyGogs compares the secret Gogs embeds in the payload. Numbers are
// compared by their literal text.
func verifyGogs(ev PushEvent, secret string) bool {
	doc := ev.Payload
	if doc == nil {
		var err error
		if doc, err = payload.Decode(ev.Body); err != nil {
			return false
		}
	}
	got, ok := payload.String(doc, gogsSecretPath)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// verifyGitHub requires a valid X-Hub-Signature. When GitHub also sent
// X-Hub-Signature-256 that one must match as well.
func verifyGitHub(ev PushEvent, secret string) bool {
	if schemeSHA1.verify(ev.Body, ev.Signature, secret) != nil {
		return false
	}
	if ev.Signature256 != "" && schemeSHA256.verify(ev.Body, ev.Signature256, secret) != nil {
		return false
	}
	return true
}
