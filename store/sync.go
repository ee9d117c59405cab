package store

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memoire-ai/memoire-go-sdk/core"
)

// beginLocked marks an operation in flight. Caller holds the mutex and
// keeps the returned fencing tokens for its completion.
func (s *Store) beginLocked() (epoch, idEpoch uint64) {
	s.inflight++
	return s.epoch, s.identityEpoch
}

// settleLocked completes an operation: the loading flag drops on every
// path, and when the dispatch fence is still live the outcome (err or
// nil) overwrites the current error. Reports whether results may be
// applied to state.
func (s *Store) settleLocked(stale bool, err error) bool {
	s.inflight--
	if stale {
		return false
	}
	s.lastErr = err
	return true
}

// Register creates a new backend user, activates the returned identity,
// and stages the credentials for their one-time display (see
// ClaimIssuedCredentials). Valid only from Anonymous.
func (s *Store) Register(ctx context.Context) (core.Credentials, error) {
	s.mu.Lock()
	if s.identity != nil {
		s.mu.Unlock()
		return core.Credentials{}, ErrAlreadyIdentified
	}
	epoch, _ := s.beginLocked()
	s.mu.Unlock()
	s.notify()

	creds, err := s.gw.Register(ctx)

	s.mu.Lock()
	applied := s.settleLocked(epoch != s.epoch, err)
	if !applied || err != nil {
		s.mu.Unlock()
		s.notify()
		if err != nil {
			return core.Credentials{}, err
		}
		return creds, nil
	}
	s.epoch++
	s.identityEpoch++
	s.identity = &creds
	issued := creds
	s.issued = &issued
	s.clearScopedLocked()
	s.gw.SetAPIKey(creds.APIKey)
	s.mu.Unlock()

	s.logger.Info("registered", zap.String("user_id", creds.UserID))
	s.notify()
	return creds, nil
}

// OpenSession opens a fresh conversation session under the active
// identity. Re-opening from Active discards the prior session's
// message history; pending extraction jobs are identity-scoped and
// survive.
func (s *Store) OpenSession(ctx context.Context) (core.Session, error) {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return core.Session{}, ErrIdentityRequired
	}
	userID := s.identity.UserID
	epoch, _ := s.beginLocked()
	s.mu.Unlock()
	s.notify()

	sess, err := s.gw.OpenSession(ctx, userID)

	s.mu.Lock()
	applied := s.settleLocked(epoch != s.epoch, err)
	if !applied || err != nil {
		s.mu.Unlock()
		s.notify()
		if err != nil {
			return core.Session{}, err
		}
		return sess, nil
	}
	s.epoch++
	s.session = &sess
	s.messages = nil
	s.mu.Unlock()

	s.logger.Info("session opened", zap.String("session_id", sess.ID))
	s.notify()
	return sess, nil
}

// SendMessage submits one chat message and optimistically appends it to
// local history under the server-issued id. When the backend schedules
// an extraction job for it, the job id joins the pending set and a
// reconciliation fires after the observation window. A failed
// submission inserts nothing and schedules nothing.
func (s *Store) SendMessage(ctx context.Context, role, content string) (core.Message, error) {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return core.Message{}, ErrIdentityRequired
	}
	if s.session == nil {
		s.mu.Unlock()
		return core.Message{}, ErrSessionRequired
	}
	userID := s.identity.UserID
	sessionID := s.session.ID
	epoch, idEpoch := s.beginLocked()
	s.mu.Unlock()
	s.notify()

	receipt, err := s.gw.SubmitMessage(ctx, userID, sessionID, role, content)

	s.mu.Lock()
	applied := s.settleLocked(epoch != s.epoch, err)
	if !applied || err != nil {
		s.mu.Unlock()
		s.notify()
		if err != nil {
			return core.Message{}, err
		}
		return core.Message{}, nil
	}
	msg := core.Message{
		ID:        receipt.MessageID,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	if receipt.JobID != "" {
		s.pendingJobs[receipt.JobID] = struct{}{}
		s.scheduleReconcile(receipt.JobID, userID, idEpoch)
	}
	s.mu.Unlock()

	s.logger.Debug("message acknowledged",
		zap.String("message_id", receipt.MessageID),
		zap.String("job_id", receipt.JobID))
	s.notify()
	return msg, nil
}

// scheduleReconcile arms the post-send timer. Caller holds the mutex.
func (s *Store) scheduleReconcile(jobID, userID string, idEpoch uint64) {
	time.AfterFunc(s.reconcileDelay, func() {
		s.reconcile(jobID, userID, idEpoch)
	})
}

// reconcile runs when a job's observation window elapses: the job
// leaves the pending set unconditionally, and if the issuing identity
// is still active the facts cache is refreshed in the background.
// Refresh failures are swallowed; facts stay stale until the next
// explicit LoadFacts.
func (s *Store) reconcile(jobID, userID string, idEpoch uint64) {
	s.mu.Lock()
	delete(s.pendingJobs, jobID)
	live := idEpoch == s.identityEpoch
	s.mu.Unlock()
	s.notify()

	if !live {
		return
	}

	facts, err := s.gw.Facts(context.Background(), userID)
	if err != nil {
		s.logger.Debug("background fact refresh failed",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}

	s.mu.Lock()
	if idEpoch == s.identityEpoch {
		s.facts = facts
	}
	s.mu.Unlock()
	s.notify()
}

// LoadHistory replaces local message history with the backend's view
// of the current session. On failure the existing history is kept.
func (s *Store) LoadHistory(ctx context.Context) error {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return ErrIdentityRequired
	}
	if s.session == nil {
		s.mu.Unlock()
		return ErrSessionRequired
	}
	sessionID := s.session.ID
	epoch, _ := s.beginLocked()
	s.mu.Unlock()
	s.notify()

	messages, err := s.gw.History(ctx, sessionID, s.historyLimit)

	s.mu.Lock()
	if applied := s.settleLocked(epoch != s.epoch, err); applied && err == nil {
		s.messages = messages
	}
	s.mu.Unlock()
	s.notify()
	return err
}

// LoadFacts replaces the facts cache with a fresh snapshot. Stale but
// present beats empty: a failed refresh leaves the cache untouched.
func (s *Store) LoadFacts(ctx context.Context) error {
	return s.loadFactCache(ctx, s.gw.Facts, func(s *Store, facts []core.Fact) {
		s.facts = facts
	})
}

// LoadEssential replaces the essential facts cache. Independent of the
// general cache; the two may refresh out of order.
func (s *Store) LoadEssential(ctx context.Context) error {
	return s.loadFactCache(ctx, s.gw.EssentialFacts, func(s *Store, facts []core.Fact) {
		s.essential = facts
	})
}

func (s *Store) loadFactCache(
	ctx context.Context,
	fetch func(context.Context, string) ([]core.Fact, error),
	apply func(*Store, []core.Fact),
) error {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return ErrIdentityRequired
	}
	if s.session == nil {
		s.mu.Unlock()
		return ErrSessionRequired
	}
	userID := s.identity.UserID
	_, idEpoch := s.beginLocked()
	s.mu.Unlock()
	s.notify()

	facts, err := fetch(ctx, userID)

	s.mu.Lock()
	if applied := s.settleLocked(idEpoch != s.identityEpoch, err); applied && err == nil {
		apply(s, facts)
	}
	s.mu.Unlock()
	s.notify()
	return err
}

// Search runs a semantic recall and stores the result tagged with the
// literal query string, so a UI can distinguish "no results for X"
// from "no query yet". A blank or whitespace-only query is a no-op:
// no network call, no state change.
func (s *Store) Search(ctx context.Context, query string) (core.RecallResult, error) {
	if strings.TrimSpace(query) == "" {
		return core.RecallResult{}, nil
	}

	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return core.RecallResult{}, ErrIdentityRequired
	}
	if s.session == nil {
		s.mu.Unlock()
		return core.RecallResult{}, ErrSessionRequired
	}
	userID := s.identity.UserID
	opts := core.RecallOptions{
		CurrentViewOnly:   s.currentViewOnly,
		IncludeHistorical: !s.currentViewOnly,
	}
	_, idEpoch := s.beginLocked()
	s.mu.Unlock()
	s.notify()

	facts, err := s.gw.Recall(ctx, userID, query, opts)

	s.mu.Lock()
	applied := s.settleLocked(idEpoch != s.identityEpoch, err)
	var result core.RecallResult
	if applied && err == nil {
		result = core.RecallResult{Query: query, Facts: facts}
		s.recall = &result
	}
	s.mu.Unlock()
	s.notify()
	if err != nil {
		return core.RecallResult{}, err
	}
	return result, nil
}

// SetCurrentViewOnly flips supersession visibility. When a query is
// active, the search re-issues automatically so the result matches the
// new view.
func (s *Store) SetCurrentViewOnly(ctx context.Context, on bool) error {
	s.mu.Lock()
	if s.currentViewOnly == on {
		s.mu.Unlock()
		return nil
	}
	s.currentViewOnly = on
	var activeQuery string
	if s.recall != nil {
		activeQuery = s.recall.Query
	}
	s.mu.Unlock()
	s.notify()

	if strings.TrimSpace(activeQuery) == "" {
		return nil
	}
	_, err := s.Search(ctx, activeQuery)
	return err
}

// DeleteFact optimistically removes the fact from the local cache, then
// issues the backend delete. The local removal is synchronous and
// idempotent; a failed delete surfaces an error but is not rolled back
// (fail-open; the next LoadFacts resyncs).
func (s *Store) DeleteFact(ctx context.Context, factID string) error {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return ErrIdentityRequired
	}
	if s.session == nil {
		s.mu.Unlock()
		return ErrSessionRequired
	}
	kept := s.facts[:0]
	for _, f := range s.facts {
		if f.ID != factID {
			kept = append(kept, f)
		}
	}
	s.facts = kept
	_, idEpoch := s.beginLocked()
	s.mu.Unlock()
	s.notify()

	err := s.gw.DeleteFact(ctx, factID)

	s.mu.Lock()
	s.settleLocked(idEpoch != s.identityEpoch, err)
	s.mu.Unlock()
	s.notify()
	return err
}

// Consolidate queues a memory optimization job for the active user.
// The returned job feeds the same pending set and reconciliation
// machinery as extraction jobs.
func (s *Store) Consolidate(ctx context.Context) (core.ConsolidationReceipt, error) {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return core.ConsolidationReceipt{}, ErrIdentityRequired
	}
	userID := s.identity.UserID
	_, idEpoch := s.beginLocked()
	s.mu.Unlock()
	s.notify()

	receipt, err := s.gw.Consolidate(ctx, userID)

	s.mu.Lock()
	applied := s.settleLocked(idEpoch != s.identityEpoch, err)
	if applied && err == nil && receipt.JobID != "" {
		s.pendingJobs[receipt.JobID] = struct{}{}
		s.scheduleReconcile(receipt.JobID, userID, idEpoch)
	}
	s.mu.Unlock()
	s.notify()
	if err != nil {
		return core.ConsolidationReceipt{}, err
	}
	return receipt, nil
}

// RotateAPIKey replaces the active identity's API key. On success the
// live credential swaps in place (same identity, no epoch bump) and the
// new key is staged for one-time display. Calls already in flight keep
// the key they captured at dispatch and may fail with Unauthorized.
func (s *Store) RotateAPIKey(ctx context.Context) (core.Credentials, error) {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return core.Credentials{}, ErrIdentityRequired
	}
	userID := s.identity.UserID
	_, idEpoch := s.beginLocked()
	s.mu.Unlock()
	s.notify()

	newKey, err := s.gw.RotateAPIKey(ctx, userID)

	s.mu.Lock()
	applied := s.settleLocked(idEpoch != s.identityEpoch, err)
	if !applied || err != nil {
		s.mu.Unlock()
		s.notify()
		if err != nil {
			return core.Credentials{}, err
		}
		return core.Credentials{}, nil
	}
	creds := core.Credentials{UserID: userID, APIKey: newKey}
	s.identity = &creds
	issued := creds
	s.issued = &issued
	s.gw.SetAPIKey(newKey)
	s.mu.Unlock()

	s.logger.Info("api key rotated", zap.String("user_id", userID))
	s.notify()
	return creds, nil
}
