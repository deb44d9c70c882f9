package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/awa/go-iap/appstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func statusHandler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      status,
			"environment": "Production",
			"receipt":     map[string]any{"bundle_id": "com.example.app"},
		})
	}
}

func TestVerify_SendsReceiptAndSecret(t *testing.T) {
	var got appstore.IAPRequest
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		statusHandler(StatusOK)(w, r)
	})

	v := New(Config{ProductionURL: srv.URL}, nil)
	resp, err := v.Verify(context.Background(), []byte("R1"), "secret").Result()

	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "Production", resp.Environment)
	assert.Equal(t, "UjE=", got.ReceiptData)
	assert.Equal(t, "secret", got.Password)
	assert.Contains(t, resp.Payload, "receipt")
}

func TestVerify_RoutesToSandbox(t *testing.T) {
	prod := newServer(t, statusHandler(StatusSandboxReceipt))
	sandbox := newServer(t, statusHandler(StatusOK))

	v := New(Config{ProductionURL: prod.URL, SandboxURL: sandbox.URL, Sandbox: true}, nil)
	_, err := v.Verify(context.Background(), []byte("R1"), "").Result()
	assert.NoError(t, err)
}

func TestVerify_SandboxReceiptSentToProduction(t *testing.T) {
	srv := newServer(t, statusHandler(StatusSandboxReceipt))

	v := New(Config{ProductionURL: srv.URL}, nil)
	resp, err := v.Verify(context.Background(), []byte("R1"), "").Result()

	assert.Nil(t, resp)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, StatusSandboxReceipt, statusErr.Status)
	assert.Equal(t, KindWrongEnvironment, statusErr.Kind)
	assert.Equal(t, MatchMessage(21007), statusErr.Message)
	assert.False(t, IsRetryable(err))
}

func TestVerify_TransportFailures(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	v := New(Config{ProductionURL: srv.URL}, nil)
	_, err := v.Verify(context.Background(), []byte("R1"), "").Result()
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, IsRetryable(err))

	garbage := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})
	v = New(Config{ProductionURL: garbage.URL}, nil)
	_, err = v.Verify(context.Background(), []byte("R1"), "").Result()
	assert.ErrorIs(t, err, ErrTransport)
}

func TestVerify_TimeoutIsAFailure(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	v := New(Config{ProductionURL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	_, err := v.Verify(context.Background(), []byte("R1"), "").Result()
	assert.ErrorIs(t, err, ErrTransport)
}

func TestVerify_EmptyReceipt(t *testing.T) {
	v := New(Config{ProductionURL: "http://127.0.0.1:0"}, nil)
	_, err := v.Verify(context.Background(), nil, "").Result()
	assert.ErrorIs(t, err, ErrEmptyReceipt)
}

func TestRequest_CancelBeforeResponse(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	v := New(Config{ProductionURL: srv.URL}, nil)
	req := v.Verify(context.Background(), []byte("R1"), "")
	req.Cancel()

	resp, err := req.Result()
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrCancelled)

	assert.Eventually(t, func() bool { return v.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRequest_CancelAfterResultKeepsResult(t *testing.T) {
	srv := newServer(t, statusHandler(StatusOK))

	v := New(Config{ProductionURL: srv.URL}, nil)
	req := v.Verify(context.Background(), []byte("R1"), "")
	resp, err := req.Result()
	require.NoError(t, err)

	req.Cancel()
	resp2, err2 := req.Result()
	assert.NoError(t, err2)
	assert.Same(t, resp, resp2)
}

func TestRequest_ExactlyOneOutcomeUnderCancelRace(t *testing.T) {
	srv := newServer(t, statusHandler(StatusOK))
	v := New(Config{ProductionURL: srv.URL}, nil)

	for i := 0; i < 50; i++ {
		req := v.Verify(context.Background(), []byte("R1"), "")

		var calls int
		var mu sync.Mutex
		var wg sync.WaitGroup
		wg.Add(1)
		req.OnComplete(func(resp *Response, err error) {
			defer wg.Done()
			mu.Lock()
			calls++
			mu.Unlock()
			assert.True(t, (resp == nil) != (err == nil))
		})

		go req.Cancel()
		resp, err := req.Result()
		assert.True(t, (resp == nil) != (err == nil))
		if err != nil {
			assert.ErrorIs(t, err, ErrCancelled)
		}

		wg.Wait()
		assert.Equal(t, 1, calls)
	}
}

func TestVerifier_InvalidateAndCancel(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	v := New(Config{ProductionURL: srv.URL}, nil)
	inflight := v.Verify(context.Background(), []byte("R1"), "")

	v.InvalidateAndCancel()

	_, err := inflight.Result()
	assert.ErrorIs(t, err, ErrCancelled)

	_, err = v.Verify(context.Background(), []byte("R2"), "").Result()
	assert.ErrorIs(t, err, ErrInvalidated)
}

func TestVerifier_CancelKeepsVerifierUsable(t *testing.T) {
	srv := newServer(t, statusHandler(StatusOK))
	v := New(Config{ProductionURL: srv.URL}, nil)

	v.Cancel()
	_, err := v.Verify(context.Background(), []byte("R1"), "").Result()
	assert.NoError(t, err)
}

func TestRequest_WaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	v := New(Config{ProductionURL: srv.URL}, nil)
	req := v.Verify(context.Background(), []byte("R1"), "")
	defer req.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := req.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
