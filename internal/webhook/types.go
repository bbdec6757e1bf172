package webhook

import (
	"context"
	"net/http"

	"github.com/mattjoyce/flux/internal/store"
)

// Header names consulted by the receiver.
const (
	HeaderSignature      = "X-Hub-Signature"
	HeaderSignature256   = "X-Hub-Signature-256"
	HeaderGitHubEvent    = "X-GitHub-Event"
	HeaderGogsEvent      = "X-Gogs-Event"
	HeaderGitHubDelivery = "X-GitHub-Delivery"
	HeaderGogsDelivery   = "X-Gogs-Delivery"
)

// DefaultMaxBodySize applies when Config.MaxBodySize is unset.
const DefaultMaxBodySize = 1 << 20

const (
	eventPush  = "push"
	eventPing  = "ping"
	zeroCommit = "0000000000000000000000000000000000000000"

	fullNamePath     = "repository.full_name"
	gogsSecretPath   = "secret"
	pushRefPath      = "ref"
	pushCommitPath   = "after"
	githubPusherPath = "pusher.name"
	gogsPusherPath   = "pusher.username"
)

// PushEvent is one inbound webhook delivery.
type PushEvent struct {
	// Body is the raw request body, exactly as signed.
	Body []byte
	// Payload is Body decoded by payload.Decode; nil if it was not JSON.
	Payload any
	// Signature is the X-Hub-Signature header, empty when absent.
	Signature string
	// Signature256 is the X-Hub-Signature-256 header, empty when absent.
	Signature256 string
	// Event is the provider's event type header.
	Event string
	// Delivery is the provider's delivery id header.
	Delivery string
}

// NewPushEvent captures the parts of a request the verifier and receiver
// need. payload is the decoded body, or nil.
func NewPushEvent(body []byte, payload any, h http.Header) PushEvent {
	ev := PushEvent{
		Body:         body,
		Payload:      payload,
		Signature:    h.Get(HeaderSignature),
		Signature256: h.Get(HeaderSignature256),
		Event:        h.Get(HeaderGitHubEvent),
		Delivery:     h.Get(HeaderGitHubDelivery),
	}
	if ev.Event == "" {
		ev.Event = h.Get(HeaderGogsEvent)
	}
	if ev.Delivery == "" {
		ev.Delivery = h.Get(HeaderGogsDelivery)
	}
	return ev
}

// Queuer admits builds.
type Queuer interface {
	Enqueue(ctx context.Context, repo store.Repository, meta store.PushMetadata) (store.Build, error)
}

// RepositoryFinder resolves the repository a delivery names.
type RepositoryFinder interface {
	GetByFullName(ctx context.Context, owner, name string) (store.Repository, error)
}
