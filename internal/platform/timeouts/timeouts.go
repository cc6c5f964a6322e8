// Package timeouts defines shared timeout constants used across the service.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Storage caps a single storage round trip. Exceeding it surfaces as an
// upstream failure rather than blocking the request.
const Storage = 3 * time.Second

// WebhookRequest caps one outbound webhook POST attempt.
const WebhookRequest = 10 * time.Second
