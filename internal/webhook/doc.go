// Package webhook delivers job results to caller-supplied callback URLs.
//
// Delivery is a best-effort side effect: the dispatcher runs its own small
// worker pool behind a bounded queue so slow or failing endpoints never
// stall job processing, and delivery failure never changes job status.
// Payloads are signed with HMAC-SHA256 when a secret is configured so
// recipients can authenticate them before trusting the contents.
package webhook
