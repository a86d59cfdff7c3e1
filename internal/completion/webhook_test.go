package completion_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/control-plane/internal/completion"
	"github.com/tessera-ai/control-plane/internal/domain"
)

func TestWebhookSender_Send_SignsBodyAndSucceeds(t *testing.T) {
	t.Parallel()
	const secret = "shh"
	var gotSignature, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Tessera-Signature")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := completion.NewWebhookSender(secret, 5, time.Millisecond, 10*time.Millisecond, 2.0, time.Second)
	job := domain.Job{ID: "job-1", Status: domain.JobCompleted}
	err := s.Send(context.Background(), srv.URL, job)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gotBody))
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, gotSignature)
}

func TestWebhookSender_Send_RetriesOn5xxThenSucceeds(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := completion.NewWebhookSender("secret", 5, time.Millisecond, 5*time.Millisecond, 2.0, time.Second)
	err := s.Send(context.Background(), srv.URL, domain.Job{ID: "job-1", Status: domain.JobFailed})
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestWebhookSender_Send_4xxIsPermanentNoRetry(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := completion.NewWebhookSender("secret", 5, time.Millisecond, 5*time.Millisecond, 2.0, time.Second)
	err := s.Send(context.Background(), srv.URL, domain.Job{ID: "job-1", Status: domain.JobFailed})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestWebhookSender_Send_ExhaustsRetriesAndReturnsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := completion.NewWebhookSender("secret", 2, time.Millisecond, 2*time.Millisecond, 2.0, time.Second)
	err := s.Send(context.Background(), srv.URL, domain.Job{ID: "job-1", Status: domain.JobFailed})
	require.Error(t, err)
}
