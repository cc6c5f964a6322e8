// Package secret generates, hashes and verifies every secret the identity
// service hands out.
//
// High-entropy values (authorization codes, refresh tokens, challenges, API
// keys) get a keyed HMAC-SHA256 hash; low-entropy passwords get argon2id.
// All comparisons are constant time.
package secret
