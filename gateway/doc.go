// Package gateway is the HTTP client for the Mémoire backend.
//
// Each method maps to exactly one backend call. The client attaches the
// active API key at dispatch time, performs no retries, and collapses
// every failure, transport or HTTP alike, into a single *APIError with a
// tagged Kind. Callers should branch on Kind, never on status codes or
// error strings.
package gateway
