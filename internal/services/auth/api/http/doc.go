// Package httpapi exposes the OAuth, WebAuthn and admin surfaces over HTTP.
//
// Every request passes, in order: request id, panic recovery, access
// logging, client address resolution, the global IP policy and a per-address
// rate limit. Denied requests never reach credential handling.
package httpapi
