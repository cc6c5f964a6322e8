// Package server composes and runs the Gatehouse process boundary.
//
// One SQLite store backs every component; WebAuthn challenges move to Redis
// when GATEHOUSE_REDIS_URL is set. Serve runs the HTTP API next to the OAuth
// cleanup loop and the webhook delivery worker and stops all three together.
package server
