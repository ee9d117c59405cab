package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memoire-ai/memoire-go-sdk/core"
)

// Phase is the store's coarse lifecycle state, derived from which of
// identity and session are present.
type Phase int

const (
	// PhaseAnonymous has no identity; only Register and Login are valid.
	PhaseAnonymous Phase = iota

	// PhaseIdentified has an identity but no session; OpenSession is valid.
	PhaseIdentified

	// PhaseActive has identity and session; the full operation set is valid.
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseAnonymous:
		return "anonymous"
	case PhaseIdentified:
		return "identified"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// Guard errors returned before any network call is made.
var (
	ErrAlreadyIdentified = errors.New("store: identity already active")
	ErrIdentityRequired  = errors.New("store: no active identity")
	ErrSessionRequired   = errors.New("store: no active session")
)

// DefaultReconcileDelay is the observation window after a message
// submission before its extraction job is assumed complete. The
// backend exposes no job-status endpoint; this is a heuristic, not a
// completion signal.
const DefaultReconcileDelay = 5 * time.Second

// DefaultHistoryLimit bounds how many messages LoadHistory requests.
const DefaultHistoryLimit = 50

// Gateway is the network surface the store depends on.
// *gateway.Client satisfies it; tests substitute fakes.
type Gateway interface {
	Register(ctx context.Context) (core.Credentials, error)
	OpenSession(ctx context.Context, userID string) (core.Session, error)
	SubmitMessage(ctx context.Context, userID, sessionID, role, content string) (core.IngestReceipt, error)
	History(ctx context.Context, sessionID string, limit int) ([]core.Message, error)
	Recall(ctx context.Context, userID, query string, opts core.RecallOptions) ([]core.Fact, error)
	Facts(ctx context.Context, userID string) ([]core.Fact, error)
	EssentialFacts(ctx context.Context, userID string) ([]core.Fact, error)
	DeleteFact(ctx context.Context, factID string) error
	Consolidate(ctx context.Context, userID string) (core.ConsolidationReceipt, error)
	RotateAPIKey(ctx context.Context, userID string) (string, error)
	SetAPIKey(key string)
}

// Store is the synchronization layer between a chat UI and the Mémoire
// backend. It owns identity and session lifecycle, message history,
// pending extraction jobs, and the fact/essential/recall caches, and is
// the sole writer of all of them.
//
// Methods are safe for concurrent use. The mutex is never held across
// network I/O, so independent operations interleave; each completion
// re-checks the epoch it was dispatched under and discards itself if an
// identity or session transition happened in between.
type Store struct {
	gw             Gateway
	logger         *zap.Logger
	reconcileDelay time.Duration
	historyLimit   int
	onChange       func()

	mu sync.Mutex

	// epoch advances on every identity or session transition and fences
	// session-scoped completions (messages, history).
	epoch uint64

	// identityEpoch advances only on identity transitions and fences
	// identity-scoped completions (facts, essential, recall, reconcile).
	identityEpoch uint64

	identity *core.Credentials
	issued   *core.Credentials
	session  *core.Session

	messages    []core.Message
	pendingJobs map[string]struct{}
	facts       []core.Fact
	essential   []core.Fact
	recall      *core.RecallResult

	currentViewOnly bool
	inflight        int
	lastErr         error
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithReconcileDelay overrides the post-send observation window.
func WithReconcileDelay(d time.Duration) Option {
	return func(s *Store) {
		s.reconcileDelay = d
	}
}

// WithHistoryLimit overrides how many messages LoadHistory requests.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		s.historyLimit = n
	}
}

// WithOnChange registers a callback invoked after every state change.
// UIs use it to schedule a re-render; the callback must not block and
// should read state through Snapshot.
func WithOnChange(fn func()) Option {
	return func(s *Store) {
		s.onChange = fn
	}
}

// New creates a store in the Anonymous phase.
func New(gw Gateway, opts ...Option) *Store {
	s := &Store{
		gw:              gw,
		logger:          zap.NewNop(),
		reconcileDelay:  DefaultReconcileDelay,
		historyLimit:    DefaultHistoryLimit,
		pendingJobs:     make(map[string]struct{}),
		currentViewOnly: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot is an immutable copy of the store's observable state.
type Snapshot struct {
	Phase           Phase
	UserID          string
	Session         *core.Session
	Messages        []core.Message
	PendingJobs     []string
	Facts           []core.Fact
	Essential       []core.Fact
	Recall          *core.RecallResult
	CurrentViewOnly bool
	Loading         bool
	Err             error
}

// Snapshot copies the current state for rendering. The returned slices
// are owned by the caller.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Phase:           s.phaseLocked(),
		Messages:        append([]core.Message(nil), s.messages...),
		Facts:           append([]core.Fact(nil), s.facts...),
		Essential:       append([]core.Fact(nil), s.essential...),
		CurrentViewOnly: s.currentViewOnly,
		Loading:         s.inflight > 0,
		Err:             s.lastErr,
	}
	if s.identity != nil {
		snap.UserID = s.identity.UserID
	}
	if s.session != nil {
		sess := *s.session
		snap.Session = &sess
	}
	if s.recall != nil {
		res := core.RecallResult{
			Query: s.recall.Query,
			Facts: append([]core.Fact(nil), s.recall.Facts...),
		}
		snap.Recall = &res
	}
	for id := range s.pendingJobs {
		snap.PendingJobs = append(snap.PendingJobs, id)
	}
	return snap
}

func (s *Store) phaseLocked() Phase {
	switch {
	case s.identity == nil:
		return PhaseAnonymous
	case s.session == nil:
		return PhaseIdentified
	default:
		return PhaseActive
	}
}

// Login activates an identity from existing credentials. Purely local:
// no network call, no validation of the key. Any prior session,
// message history, and caches are discarded so nothing from another
// identity can bleed through.
func (s *Store) Login(userID, apiKey string) {
	s.mu.Lock()
	s.epoch++
	s.identityEpoch++
	s.identity = &core.Credentials{UserID: userID, APIKey: apiKey}
	s.issued = nil
	s.clearScopedLocked()
	s.gw.SetAPIKey(apiKey)
	s.mu.Unlock()

	s.logger.Info("logged in", zap.String("user_id", userID))
	s.notify()
}

// Logout returns to Anonymous: credential, identity, session, messages,
// pending jobs, and all caches are cleared. Idempotent and safe to call
// from any phase. In-flight completions dispatched before the logout
// are fenced out by the epoch bump.
func (s *Store) Logout() {
	s.mu.Lock()
	s.epoch++
	s.identityEpoch++
	s.identity = nil
	s.issued = nil
	s.clearScopedLocked()
	s.gw.SetAPIKey("")
	s.mu.Unlock()

	s.logger.Info("logged out")
	s.notify()
}

// Reset is Logout under the name UIs use for the demo's start-over
// control.
func (s *Store) Reset() {
	s.Logout()
}

// clearScopedLocked drops everything scoped to the previous identity
// or session. Caller holds the mutex.
func (s *Store) clearScopedLocked() {
	s.session = nil
	s.messages = nil
	s.facts = nil
	s.essential = nil
	s.recall = nil
	s.pendingJobs = make(map[string]struct{})
	s.currentViewOnly = true
	s.lastErr = nil
}

// ClaimIssuedCredentials hands over newly issued credentials for their
// one-time display and clears the staging slot. The second call after
// a registration or rotation reports false.
func (s *Store) ClaimIssuedCredentials() (core.Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.issued == nil {
		return core.Credentials{}, false
	}
	creds := *s.issued
	s.issued = nil
	return creds, true
}

// notify fires the change callback outside the lock.
func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}
