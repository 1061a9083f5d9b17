package tools

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o wait exhausted" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"http 500", &HTTPError{StatusCode: 500, Err: errors.New("internal")}, KindTransient},
		{"http 502", &HTTPError{StatusCode: 502, Err: errors.New("upstream")}, KindTransient},
		{"http 429", &HTTPError{StatusCode: 429, Err: errors.New("slow down")}, KindTransient},
		{"http 408", &HTTPError{StatusCode: 408, Err: errors.New("client timeout")}, KindTransient},
		{"http 404", &HTTPError{StatusCode: 404, Err: errors.New("no such pr")}, KindPermanent},
		{"http 401", &HTTPError{StatusCode: 401, Err: errors.New("who are you")}, KindPermanent},
		{"http 422", &HTTPError{StatusCode: 422, Err: errors.New("rejected")}, KindPermanent},
		{"wrapped http", fmt.Errorf("open pr: %w", &HTTPError{StatusCode: 403, Err: errors.New("nope")}), KindPermanent},
		{"deadline exceeded", context.DeadlineExceeded, KindTransient},
		{"canceled", context.Canceled, KindTransient},
		{"net timeout", timeoutErr{}, KindTransient},
		{"connection refused errno", fmt.Errorf("dial github: %w", syscall.ECONNREFUSED), KindTransient},
		{"bad credentials text", errors.New("POST /repos: bad credentials"), KindPermanent},
		{"branch exists text", errors.New("reference already exists"), KindPermanent},
		{"reset text", errors.New("read tcp: connection reset by peer"), KindTransient},
		{"rate limit text", errors.New("API rate limit exceeded"), KindTransient},
		{"auth wins over timeout text", errors.New("unauthorized: token refresh timed out"), KindPermanent},
		{"unknown defaults transient", errors.New("boom"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestExternalErrorWrapping(t *testing.T) {
	cause := &HTTPError{StatusCode: 404, Err: errors.New("pull request not found")}
	ext := &ExternalError{Tool: ToolGitHubAPI, Op: OpCheckPRStatus, Kind: Classify(cause), Err: cause}

	assert.Equal(t, "github-api check_pr_status (permanent): http 404: pull request not found", ext.Error())
	assert.False(t, ext.Retryable())

	var unwrapped *HTTPError
	require.True(t, errors.As(ext, &unwrapped))
	assert.Equal(t, 404, unwrapped.StatusCode)
}

func TestIsTransientIsPermanent(t *testing.T) {
	transient := &ExternalError{Tool: ToolGitCLI, Op: OpCommitAndPush, Kind: KindTransient, Err: errors.New("connection reset")}
	permanent := &ExternalError{Tool: ToolGitHubAPI, Op: OpOpenPR, Kind: KindPermanent, Err: errors.New("unprocessable")}

	assert.True(t, IsTransient(transient))
	assert.False(t, IsPermanent(transient))
	assert.True(t, transient.Retryable())

	assert.True(t, IsPermanent(permanent))
	assert.False(t, IsTransient(permanent))

	wrapped := fmt.Errorf("advance gate: %w", permanent)
	assert.True(t, IsPermanent(wrapped))

	assert.False(t, IsTransient(errors.New("unclassified")))
	assert.False(t, IsPermanent(errors.New("unclassified")))
}
