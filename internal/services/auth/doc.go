// Package auth is the Gatehouse identity provider.
//
// It owns user accounts, passkeys, OAuth grants and the policies that gate
// them, so relying applications depend on stable user IDs and tokens rather
// than re-implementing identity rules.
//
// Subpackages:
//   - app: process wiring and lifecycle
//   - api/http: HTTP routes, middleware and admin endpoints
//   - oauth: authorization code flow with PKCE, refresh rotation, revocation
//   - passkey: WebAuthn registration and authentication ceremonies
//   - consent: per-user, per-client scope grants
//   - ippolicy: global and app-scoped IP allow/deny rules
//   - apikey, webhook: machine credentials and signed event delivery
//   - secret: token hashing, sealing and password hashing
//   - audit: security event recording
//   - storage: persistence contracts with SQLite and Redis implementations
//   - user: account model, password login and lockout
package auth
