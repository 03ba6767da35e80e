package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgate-org/taskgate/internal/model"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name string
		task model.Task
		want bool
	}{
		{"ExactBackend", model.Task{Backend: "shell"}, true},
		{"BackendPrefix", model.Task{Backend: "shell/bash"}, true},
		{"BackendPrefixNoSlash", model.Task{Backend: "shellfish"}, false},
		{"TypeMembership", model.Task{Type: "code"}, true},
		{"NoMatch", model.Task{Type: "chat", Backend: "other"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches("shell", []string{"code"}, &tc.task))
		})
	}
}

func TestRegistrySelect(t *testing.T) {
	a := NewShellAdapter("alpha", "code")
	b := NewShellAdapter("beta", "code")
	reg := NewRegistry(a, b)

	t.Run("FirstMatchWins", func(t *testing.T) {
		got := reg.Select(&model.Task{Type: "code"})
		require.NotNil(t, got)
		assert.Equal(t, "alpha", got.Name())
	})

	t.Run("BackendOverridesOrder", func(t *testing.T) {
		got := reg.Select(&model.Task{Type: "other", Backend: "beta"})
		require.NotNil(t, got)
		assert.Equal(t, "beta", got.Name())
	})

	t.Run("NoMatch", func(t *testing.T) {
		assert.Nil(t, reg.Select(&model.Task{Type: "nothing"}))
	})
}

func TestShellAdapterExecute(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	a := NewShellAdapter("shell", "code")
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		task := &model.Task{ID: "t1", Type: "code", BackendConfig: model.BackendConfig{Command: `printf '%s' "$TASK_PROMPT"`}, Prompt: "hello"}
		res, err := a.Execute(ctx, task, RetryContext{Attempt: 1})
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "hello", res.Output)
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		task := &model.Task{ID: "t2", BackendConfig: model.BackendConfig{Command: "echo failed >&2; exit 3"}}
		res, err := a.Execute(ctx, task, RetryContext{Attempt: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.Contains(t, res.Output, "failed")
	})

	t.Run("FeedbackInEnvironment", func(t *testing.T) {
		task := &model.Task{ID: "t3", BackendConfig: model.BackendConfig{Command: `printf '%s' "$TASK_FEEDBACK"`}}
		res, err := a.Execute(ctx, task, RetryContext{Attempt: 2, Feedback: "try harder"})
		require.NoError(t, err)
		assert.Equal(t, "try harder", res.Output)
	})

	t.Run("Timeout", func(t *testing.T) {
		task := &model.Task{ID: "t4", BackendConfig: model.BackendConfig{Command: "sleep 5", Timeout: 50 * time.Millisecond}}
		_, err := a.Execute(ctx, task, RetryContext{Attempt: 1})
		var aerr *Error
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, ClassTimeout, aerr.Class)
	})

	t.Run("NoCommand", func(t *testing.T) {
		_, err := a.Execute(ctx, &model.Task{ID: "t5"}, RetryContext{Attempt: 1})
		var aerr *Error
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, ClassToolUnavailable, aerr.Class)
	})
}

func TestHTTPAdapterExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/complete", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":"hello from llm","cost":{"total_tokens":42}}`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter("llm", srv.URL, "", 5*time.Second, "chat")
	res, err := a.Execute(context.Background(), &model.Task{ID: "t1", Type: "chat", Prompt: "hi"}, RetryContext{Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, "hello from llm", res.Output)
	assert.Equal(t, 0, res.ExitCode)
	require.NotNil(t, res.Cost)
	assert.Equal(t, 42, res.Cost.TotalTokens)
}

func TestHTTPAdapterErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := NewHTTPAdapter("llm", srv.URL, "", 5*time.Second, "chat")
	a.client.SetRetryCount(0)
	_, err := a.Execute(context.Background(), &model.Task{ID: "t1", Type: "chat"}, RetryContext{Attempt: 1})
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, ClassRateLimited, aerr.Class)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		want Classification
	}{
		{"DeadlineExceeded", context.DeadlineExceeded, -1, ClassTimeout},
		{"RateLimitedByCode", errors.New("too many requests"), 429, ClassRateLimited},
		{"RateLimitedByMessage", errors.New("rate limit exceeded"), -1, ClassRateLimited},
		{"Permission", errors.New("permission denied"), -1, ClassPermission},
		{"ToolMissing", errors.New(`exec: "claude": executable file not found in $PATH`), -1, ClassToolUnavailable},
		{"Network", errors.New("dial tcp: connection refused"), -1, ClassNetwork},
		{"Unknown", errors.New("something odd"), 1, ClassUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err, tc.code).Class)
		})
	}
}
