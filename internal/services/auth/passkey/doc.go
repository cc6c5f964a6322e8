// Package passkey runs WebAuthn registration and authentication ceremonies.
//
// Every ceremony is two steps. Start persists a single-use challenge with the
// library session state; finish consumes that challenge before verifying
// anything, so a challenge can never be redeemed twice even when the first
// attempt fails. Signature counters only move forward, enforced by an atomic
// compare-and-set at the storage boundary.
package passkey
