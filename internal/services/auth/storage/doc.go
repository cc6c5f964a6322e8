// Package storage defines persistence contracts for identity assets.
//
// Single-use and monotonic invariants are expressed as atomic methods
// (TryConsumeAuthorizationCode, TryAdvanceCounter, ConsumeWebAuthnChallenge,
// RotateRefreshToken) so no caller needs a read-then-write sequence.
package storage
