package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoire-ai/memoire-go-sdk/core"
	"github.com/memoire-ai/memoire-go-sdk/gateway"
)

// backend is a scripted stand-in for the Mémoire API. It records the
// last request so tests can assert on wire details.
type backend struct {
	lastReq  *http.Request
	lastBody map[string]any
	server   *httptest.Server
}

func newBackend(t *testing.T, handler http.HandlerFunc) *backend {
	t.Helper()
	b := &backend{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.lastReq = r.Clone(r.Context())
		b.lastBody = nil
		if r.Body != nil {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				b.lastBody = body
			}
		}
		handler(w, r)
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *backend) client(apiKey string) *gateway.Client {
	return gateway.New(gateway.Settings{
		APIKey:  apiKey,
		BaseURL: b.server.URL,
		Timeout: 2 * time.Second,
	})
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func TestRegister(t *testing.T) {
	userID := uuid.New().String()
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusCreated, map[string]any{
			"id":      userID,
			"api_key": "memori_secret",
		})
	})

	creds, err := b.client("").Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, userID, creds.UserID)
	assert.Equal(t, "memori_secret", creds.APIKey)

	assert.Equal(t, http.MethodPost, b.lastReq.Method)
	assert.Equal(t, "/v1/users", b.lastReq.URL.Path)
	// Registration is unauthenticated; no stale key may ride along.
	assert.Empty(t, b.lastReq.Header.Get("X-API-Key"))
	assert.NotEmpty(t, b.lastReq.Header.Get("X-Request-ID"))
}

func TestOpenSessionWire(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusCreated, map[string]any{
			"id":         "s1",
			"user_id":    "u1",
			"created_at": time.Now().UTC().Format(time.RFC3339),
		})
	})

	sess, err := b.client("k1").OpenSession(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, "u1", sess.UserID)

	assert.Equal(t, "/v1/sessions", b.lastReq.URL.Path)
	assert.Equal(t, "k1", b.lastReq.Header.Get("X-API-Key"))
	assert.Equal(t, "u1", b.lastBody["user_id"])
}

func TestSubmitMessageWire(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusCreated, map[string]any{
			"chat_log_id": "m1",
			"job_id":      "j1",
		})
	})

	receipt, err := b.client("k1").SubmitMessage(context.Background(), "u1", "s1", core.RoleUser, "I live in Austin")
	require.NoError(t, err)
	assert.Equal(t, "m1", receipt.MessageID)
	assert.Equal(t, "j1", receipt.JobID)

	assert.Equal(t, "/v1/ingest", b.lastReq.URL.Path)
	assert.Equal(t, "u1", b.lastBody["user_id"])
	assert.Equal(t, "s1", b.lastBody["session_id"])
	assert.Equal(t, "user", b.lastBody["role"])
	assert.Equal(t, "I live in Austin", b.lastBody["content"])
}

func TestSubmitMessageWithoutJob(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusCreated, map[string]any{"chat_log_id": "m2"})
	})

	receipt, err := b.client("k1").SubmitMessage(context.Background(), "u1", "s1", core.RoleAssistant, "Nice to meet you")
	require.NoError(t, err)
	assert.Equal(t, "m2", receipt.MessageID)
	assert.Empty(t, receipt.JobID)
}

func TestHistoryWire(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{
			"messages": []map[string]any{
				{"id": "m1", "session_id": "s1", "role": "user", "content": "hello"},
				{"id": "m2", "session_id": "s1", "role": "assistant", "content": "hi"},
			},
		})
	})

	messages, err := b.client("k1").History(context.Background(), "s1", 25)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "assistant", messages[1].Role)

	assert.Equal(t, "/v1/history/s1", b.lastReq.URL.Path)
	assert.Equal(t, "25", b.lastReq.URL.Query().Get("limit"))
}

func TestRecallWire(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{
			"relevant_facts": []map[string]any{
				{"id": "f1", "category": "biographical", "content": "Lives in Austin", "confidence": 0.92},
			},
		})
	})

	facts, err := b.client("k1").Recall(context.Background(), "u1", "where do I live?", core.RecallOptions{
		Limit:           3,
		CurrentViewOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Lives in Austin", facts[0].Content)
	assert.InDelta(t, 0.92, facts[0].Confidence, 1e-9)

	assert.Equal(t, "/v1/recall", b.lastReq.URL.Path)
	assert.Equal(t, "where do I live?", b.lastBody["query"])
	assert.Equal(t, float64(3), b.lastBody["limit"])
	assert.Equal(t, true, b.lastBody["current_view_only"])
	assert.Equal(t, false, b.lastBody["include_historical"])
}

func TestRecallDefaultLimit(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{"relevant_facts": []any{}})
	})

	_, err := b.client("k1").Recall(context.Background(), "u1", "anything", core.RecallOptions{})
	require.NoError(t, err)
	assert.Equal(t, float64(5), b.lastBody["limit"])
}

func TestFactsAndEssentialWire(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/facts/u1":
			respond(w, http.StatusOK, map[string]any{
				"facts": []map[string]any{
					{"id": "f1", "category": "work_context", "content": "Works at Initech", "confidence": 0.8},
				},
			})
		case "/v1/conscious/u1":
			respond(w, http.StatusOK, map[string]any{
				"relevant_facts": []map[string]any{
					{"id": "f2", "category": "biographical", "content": "Name is Pat", "confidence": 0.99, "is_essential": true},
				},
			})
		default:
			respond(w, http.StatusNotFound, map[string]any{"detail": "unknown path"})
		}
	})

	c := b.client("k1")

	facts, err := c.Facts(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Works at Initech", facts[0].Content)

	essential, err := c.EssentialFacts(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, essential, 1)
	assert.True(t, essential[0].IsEssential)
}

func TestDeleteFact(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	err := b.client("k1").DeleteFact(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, b.lastReq.Method)
	assert.Equal(t, "/v1/facts/f1", b.lastReq.URL.Path)
}

func TestConsolidateAndRotateWire(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/users/u1/consolidate":
			respond(w, http.StatusAccepted, map[string]any{
				"status": "queued", "message": "consolidation queued", "job_id": "j9",
			})
		case "/v1/users/u1/api-key/rotate":
			respond(w, http.StatusOK, map[string]any{"api_key": "memori_fresh"})
		default:
			respond(w, http.StatusNotFound, map[string]any{"detail": "unknown path"})
		}
	})

	c := b.client("k1")

	receipt, err := c.Consolidate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "queued", receipt.Status)
	assert.Equal(t, "j9", receipt.JobID)

	key, err := c.RotateAPIKey(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "memori_fresh", key)
}

func TestCredentialCapturedAtDispatch(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{"facts": []any{}})
	})

	c := b.client("old-key")
	c.SetAPIKey("new-key")
	_, err := c.Facts(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "new-key", b.lastReq.Header.Get("X-API-Key"))

	c.SetAPIKey("")
	_, err = c.Facts(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, b.lastReq.Header.Get("X-API-Key"))
}

func TestErrorNormalization(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		kind    gateway.ErrorKind
		message string
	}{
		{
			name:    "unauthorized with fastapi detail",
			status:  http.StatusUnauthorized,
			body:    map[string]any{"detail": "Missing API key"},
			kind:    gateway.KindUnauthorized,
			message: "Missing API key",
		},
		{
			name:    "forbidden maps to unauthorized",
			status:  http.StatusForbidden,
			body:    map[string]any{"detail": "Invalid API key"},
			kind:    gateway.KindUnauthorized,
			message: "Invalid API key",
		},
		{
			name:    "not found",
			status:  http.StatusNotFound,
			body:    map[string]any{"detail": "Fact not found"},
			kind:    gateway.KindNotFound,
			message: "Fact not found",
		},
		{
			name:   "validation",
			status: http.StatusUnprocessableEntity,
			body:   map[string]any{"detail": "field required"},
			kind:   gateway.KindValidation,
		},
		{
			name:   "server fault with error envelope",
			status: http.StatusServiceUnavailable,
			body: map[string]any{
				"error": map[string]any{"code": "recall_unavailable", "message": "Recall failed"},
			},
			kind:    gateway.KindServer,
			message: "Recall failed",
		},
		{
			name:   "server fault without body",
			status: http.StatusInternalServerError,
			body:   nil,
			kind:   gateway.KindServer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				respond(w, tt.status, tt.body)
			})

			_, err := b.client("k1").Facts(context.Background(), "u1")
			require.Error(t, err)

			apiErr, ok := gateway.AsAPIError(err)
			require.True(t, ok, "every failure must normalize to *APIError")
			assert.Equal(t, tt.kind, apiErr.Kind)
			assert.Equal(t, tt.status, apiErr.Status)
			if tt.message != "" {
				assert.Equal(t, tt.message, apiErr.Message)
			}
		})
	}
}

func TestTransportFailure(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	c := b.client("k1")
	b.server.Close()

	_, err := c.Facts(context.Background(), "u1")
	require.Error(t, err)

	apiErr, ok := gateway.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, gateway.KindTransport, apiErr.Kind)
	assert.Zero(t, apiErr.Status)
}
