// Package core defines the shared domain types for the Mémoire client:
// users, sessions, chat messages, facts, and recall results.
//
// Types here mirror the backend's wire schemas field-for-field so the
// gateway can decode responses directly into them. The backend owns
// every entity's lifecycle; client-side copies are read-only snapshots
// managed by the store package.
package core
