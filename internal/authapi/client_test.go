package authapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbranner/sessiond/internal/refresh"
	"github.com/tbranner/sessiond/internal/task"
)

func TestValidateAcceptsAndRotates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/validate", r.URL.Path)
		assert.Equal(t, "Bearer old-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"valid":true,"token":"new-token"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	got, err := c.Validate(context.Background(), "old-token")
	require.NoError(t, err)
	assert.Equal(t, "new-token", got)
}

func TestValidateKeepsTokenWhenNotRotated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"valid":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	got, err := c.Validate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "tok", got)
}

func TestValidateMapsHTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   refresh.Category
	}{
		{"unauthorized", http.StatusUnauthorized, refresh.CategoryAuth},
		{"forbidden", http.StatusForbidden, refresh.CategoryAuth},
		{"server error", http.StatusInternalServerError, refresh.CategoryServer},
		{"bad gateway", http.StatusBadGateway, refresh.CategoryServer},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, 0)
			_, err := c.Validate(context.Background(), "tok")
			require.Error(t, err)

			var se *refresh.StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tc.status, se.Status)
			assert.Equal(t, tc.want, refresh.Classify(err))
		})
	}
}

func TestValidateRejectedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"valid":false}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	_, err := c.Validate(context.Background(), "tok")
	require.Error(t, err)
	assert.Equal(t, refresh.CategoryAuth, refresh.Classify(err))
}

func TestValidateUnreachableBackendIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	c := NewClient(srv.URL, time.Second)
	_, err := c.Validate(context.Background(), "tok")
	require.Error(t, err)
	assert.Equal(t, refresh.CategoryNetwork, refresh.Classify(err))
}

func TestPollJobStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/job-7/status", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"status":"running","progress":40,"message":"exporting"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	c.SetTokenSource(func() string { return "tok" })

	res, err := c.PollJobStatus(context.Background(), "job-7")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, res.Status)
	assert.Equal(t, 40, res.Progress)
	assert.Equal(t, "exporting", res.Message)
}

func TestPollJobStatusRejectsUnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"weird"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	_, err := c.PollJobStatus(context.Background(), "job-7")
	assert.Error(t, err)
}

func TestPollJobStatusErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	_, err := c.PollJobStatus(context.Background(), "gone")
	assert.Error(t, err)
}
