// Package webhook receives push notifications from Gogs and GitHub and turns
// the verified ones into builds.
//
// # Verification
//
// Each repository is registered with a provider and a shared secret.
//
//   - Gogs embeds the secret in the JSON body as "secret". It is compared
//     in constant time against the registered secret.
//   - GitHub signs the raw body with HMAC-SHA1 in X-Hub-Signature
//     ("sha1=<hex>"). When X-Hub-Signature-256 is also present it must
//     match too.
//   - Repositories with any other provider never verify.
//
// # Request Flow
//
//  1. POST arrives at /hook/push
//  2. Body size checked (413 if too large)
//  3. Body decoded as JSON, repository.full_name read (400 if either fails)
//  4. Repository looked up (404 if unknown)
//  5. Signature verified (403, generic text, if it fails)
//  6. ping and non-push events answered with 200
//  7. Build enqueued (500 if that fails, 202 otherwise)
//
// Responses are text/plain and carry the log lines written while the
// request was handled.
package webhook
