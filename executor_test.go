package batchjob

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPExecutor(t *testing.T) {
	reqs := make(chan *http.Request, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs <- r.Clone(context.Background())
		switch r.URL.Path {
		case "/jobs/ok":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "nope", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	exec := &HTTPExecutor{BaseURL: srv.URL + "/", Client: srv.Client()}
	id := Identity{Tenant: "acme", Principal: "batchjob@acme"}

	t.Run("posts with identity headers", func(t *testing.T) {
		require.NoError(t, exec.Execute(context.Background(), "/jobs/ok", id, 90*time.Second))
		got := <-reqs
		assert.Equal(t, http.MethodPost, got.Method)
		assert.Equal(t, "/jobs/ok", got.URL.Path)
		assert.Equal(t, "acme", got.Header.Get(HeaderTenant))
		assert.Equal(t, "batchjob@acme", got.Header.Get(HeaderPrincipal))
		assert.Equal(t, "1m30s", got.Header.Get(HeaderTimeout))
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		err := exec.Execute(context.Background(), "jobs/broken", id, time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "500")
	})

	t.Run("honours context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Error(t, exec.Execute(ctx, "/jobs/ok", id, time.Second))
	})
}
