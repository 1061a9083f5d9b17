package github

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/tools"
)

func newTestHosting(t *testing.T, mux *http.ServeMux) *Hosting {
	t.Helper()
	h, err := NewHosting(newTestClient(t, mux), testConfig(), logging.NewNop())
	require.NoError(t, err)
	return h
}

func TestOpenPR(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/quarry/app/pulls", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"number": 7}`)
	})
	h := newTestHosting(t, mux)

	pr, err := h.OpenPR(context.Background(), "conveyor/fix-1", "Fix auth", "details")
	require.NoError(t, err)
	assert.Equal(t, int64(7), pr)
}

func TestOpenPRAdoptsExistingOnConflict(t *testing.T) {
	creates := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/quarry/app/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			creates++
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"message":"Validation Failed","errors":[{"resource":"PullRequest","message":"A pull request already exists for quarry:conveyor/fix-1."}]}`)
			return
		}
		assert.Equal(t, "quarry:conveyor/fix-1", r.URL.Query().Get("head"))
		fmt.Fprint(w, `[{"number": 9}]`)
	})
	h := newTestHosting(t, mux)

	pr, err := h.OpenPR(context.Background(), "conveyor/fix-1", "Fix auth", "")
	require.NoError(t, err)
	assert.Equal(t, int64(9), pr)
	assert.Equal(t, 1, creates)
}

func TestOpenPRPermanentFailureCarriesStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/quarry/app/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"Bad credentials"}`)
	})
	h := newTestHosting(t, mux)

	_, err := h.OpenPR(context.Background(), "b", "t", "")
	require.Error(t, err)
	var httpErr *tools.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
}

func TestCheckPRStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/quarry/app/pulls/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":1,"state":"open","merged":false}`)
	})
	mux.HandleFunc("/repos/quarry/app/pulls/2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":2,"state":"closed","merged":true}`)
	})
	mux.HandleFunc("/repos/quarry/app/pulls/3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":3,"state":"closed","merged":false}`)
	})
	h := newTestHosting(t, mux)
	ctx := context.Background()

	st, err := h.CheckPRStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, tools.PROpen, st)

	st, err = h.CheckPRStatus(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, tools.PRMerged, st)

	st, err = h.CheckPRStatus(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, tools.PRClosed, st)
}

func TestRequestMerge(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/quarry/app/pulls/9/merge", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		fmt.Fprint(w, `{"merged":true,"message":"Pull Request successfully merged"}`)
	})
	h := newTestHosting(t, mux)

	require.NoError(t, h.RequestMerge(context.Background(), 9))
}

func TestRequestMergeRefused(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/quarry/app/pulls/9/merge", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"merged":false,"message":"merge conflict between base and head"}`)
	})
	h := newTestHosting(t, mux)

	err := h.RequestMerge(context.Background(), 9)
	require.Error(t, err)
	var httpErr *tools.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusMethodNotAllowed, httpErr.StatusCode)
	assert.Contains(t, err.Error(), "merge conflict")
}
