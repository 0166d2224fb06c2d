package roles

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progression-hub/progression-engine/internal/domain/shared"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultClientConfig()
	cfg.BaseURL = server.URL
	cfg.Token = "secret"
	cfg.RetryBackoff = time.Millisecond

	client, err := NewClient(cfg)
	require.NoError(t, err)
	return client
}

func TestAssignRole_SendsExpectedRequest(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	})

	err := client.AssignRole(context.Background(), "guild-1", "alice", "gold")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/communities/guild-1/members/alice/roles/gold", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestRemoveRole_UsesDelete(t *testing.T) {
	var gotMethod string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.RemoveRole(context.Background(), "guild-1", "alice", "gold"))
	assert.Equal(t, http.MethodDelete, gotMethod)
}

func TestForbiddenAndNotFound_AreNotErrors(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusNotFound} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		assert.NoError(t, client.AssignRole(context.Background(), "guild-1", "alice", "gold"))
		assert.NoError(t, client.RemoveRole(context.Background(), "guild-1", "alice", "gold"))
	}
}

func TestServerErrors_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.AssignRole(context.Background(), "guild-1", "alice", "gold"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestServerErrors_ExhaustedRetriesFail(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.AssignRole(context.Background(), "guild-1", "alice", "gold")
	assert.ErrorIs(t, err, shared.ErrExternalCollaborator)
}

func TestClientErrors_NotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	err := client.AssignRole(context.Background(), "guild-1", "alice", "gold")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.ErrorIs(t, err, shared.ErrInvalidArgument)
}
