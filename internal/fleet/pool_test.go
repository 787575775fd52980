package fleet

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagementPoolStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"properties":{"status":"Paused"}}`)
	}))
	defer server.Close()

	pool := NewManagementPool(server.URL, "test-token", nil)
	state, err := pool.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PoolPaused, state)
}

func TestManagementPoolStatusUnrecognizedState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"properties":{"status":"Scaling"}}`)
	}))
	defer server.Close()

	pool := NewManagementPool(server.URL, "", nil)
	state, err := pool.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PoolUnknown, state)
}

func TestManagementPoolResumeAndPause(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	pool := NewManagementPool(server.URL, "", nil)
	require.NoError(t, pool.Resume(context.Background()))
	require.NoError(t, pool.Pause(context.Background()))
	assert.Equal(t, []string{"/resume", "/pause"}, paths)
}

func TestManagementPoolErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	pool := NewManagementPool(server.URL, "bad-token", nil)
	err := pool.Resume(context.Background())
	require.Error(t, err)

	var poolErr *PoolError
	require.ErrorAs(t, err, &poolErr)
	assert.Equal(t, http.StatusForbidden, poolErr.StatusCode)
	assert.Equal(t, "resume", poolErr.Operation)
}

func TestNoopPool(t *testing.T) {
	ctx := context.Background()
	pool := NoopPool{}

	state, err := pool.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, PoolOnline, state)
	assert.NoError(t, pool.Resume(ctx))
	assert.NoError(t, pool.Pause(ctx))
}
