// Package store is the client-side synchronization layer for Mémoire.
//
// It is the single owner of chat UI state: who is logged in, which
// session is open, the message history, the set of extraction jobs
// assumed to be running server-side, and the read-only fact caches.
// UIs call store methods and re-render from Snapshot; the gateway
// underneath is pure request/response.
//
// Consistency model:
//   - Caches are latest-snapshot, replaced wholesale on refresh and
//     kept stale on failure (stale beats empty).
//   - Message inserts and fact deletions are optimistic and never
//     rolled back; the next refresh resyncs with the backend.
//   - Extraction job completion is assumed after a fixed observation
//     window, not observed; the backend exposes no job-status call.
//   - Identity and session transitions bump epoch counters; any
//     completion dispatched under an older epoch discards its result,
//     so a logout can never be resurrected by a late response.
package store
