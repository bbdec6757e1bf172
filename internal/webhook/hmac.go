package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"strings"
)

var errVerification = errors.New("webhook verification failed")

// scheme is one "<prefix><hex hmac>" signature header format.
type scheme struct {
	prefix string
	hash   func() hash.Hash
}

var (
	schemeSHA1   = scheme{prefix: "sha1=", hash: sha1.New}
	schemeSHA256 = scheme{prefix: "sha256=", hash: sha256.New}
)

// verify checks signature against the HMAC of body keyed by secret. The
// prefix is case-sensitive and the MAC is compared in constant time. All
// failures return the same generic error.
func (s scheme) verify(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}
	if !strings.HasPrefix(signature, s.prefix) {
		return errVerification
	}
	actual, err := hex.DecodeString(strings.TrimPrefix(signature, s.prefix))
	if err != nil {
		return errVerification
	}
	if !hmac.Equal(s.mac(body, secret), actual) {
		return errVerification
	}
	return nil
}

func (s scheme) mac(body []byte, secret string) []byte {
	m := hmac.New(s.hash, []byte(secret))
	m.Write(body)
	return m.Sum(nil)
}

// sign renders the header value a provider would send for body.
func (s scheme) sign(body []byte, secret string) string {
	return s.prefix + hex.EncodeToString(s.mac(body, secret))
}

// SignSHA1 returns the X-Hub-Signature value for body.
func SignSHA1(body []byte, secret string) string {
	return schemeSHA1.sign(body, secret)
}

// SignSHA256 returns the X-Hub-Signature-256 value for body.
func SignSHA256(body []byte, secret string) string {
	return schemeSHA256.sign(body, secret)
}
