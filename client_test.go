package fixfinder

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeAPI is an httptest-backed stand-in for the FixFinder backend. Tests
// register handlers per method+path; unregistered routes answer with an
// empty OK envelope so engine bootstrap calls never fail by accident.
type fakeAPI struct {
	t   *testing.T
	mux *http.ServeMux
	srv *httptest.Server
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pattern := mux.Handler(r); pattern == "" {
			writeOK(w, nil)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return &fakeAPI{t: t, mux: mux, srv: srv}
}

func (f *fakeAPI) handle(pattern string, h http.HandlerFunc) {
	f.mux.HandleFunc(pattern, h)
}

func (f *fakeAPI) client() *Client {
	return NewClient("test-token", WithBaseURL(f.srv.URL), WithLogger(testLogger()))
}

func writeOK(w http.ResponseWriter, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	_ = json.NewEncoder(w).Encode(APIResult{OK: true, Data: raw})
}

func writeAPIError(w http.ResponseWriter, code, message string) {
	_ = json.NewEncoder(w).Encode(APIResult{
		OK:    false,
		Error: &APIError{Code: code, Message: message},
	})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ============================================================================
// Client
// ============================================================================

func TestClient_SendsBearerToken(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("GET /api/conversations/conv-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		writeOK(w, ConversationInfo{ID: "conv-1"})
	})

	info, err := api.client().Conversations.Get(testCtx(t), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", info.ID)
}

func TestClient_ErrorEnvelope(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("POST /api/conversations/conv-1/messages", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, "FORBIDDEN", "not a participant")
	})

	_, err := api.client().Messages.Send(testCtx(t), "conv-1", &SendMessageRequest{
		Kind:    KindText,
		Content: Content{Text: "hi"},
	})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "FORBIDDEN", apiErr.Code)
}

func TestClient_HistoryPagination(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("GET /api/conversations/conv-1/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.Equal(t, "msg-9", r.URL.Query().Get("before"))
		writeOK(w, []Message{{ID: "msg-1", SenderID: "user-2"}})
	})

	msgs, err := api.client().Conversations.Messages(testCtx(t), "conv-1", &HistoryOptions{
		Limit:  25,
		Before: "msg-9",
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-1", msgs[0].ID)
}

func TestReviews_ForJob_NoneYet(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("GET /api/jobs/job-1/review", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, nil)
	})

	review, err := api.client().Reviews.ForJob(testCtx(t), "job-1")
	require.NoError(t, err)
	assert.Nil(t, review)
}

func TestReviews_ForJob_Existing(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("GET /api/jobs/job-1/review", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, Review{ID: "rev-1", JobID: "job-1", Rating: 5})
	})

	review, err := api.client().Reviews.ForJob(testCtx(t), "job-1")
	require.NoError(t, err)
	require.NotNil(t, review)
	assert.Equal(t, 5, review.Rating)
}
