package cli

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatsPrintsResponseBody(t *testing.T) {
	t.Parallel()

	var gotURI, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"code":0,"message":"ok","data":{"minutes":12}}`))
	}))
	t.Cleanup(srv.Close)

	stdout, _, err := runCommand(t, isolatedArgs(t, "stats", "2024", "5",
		"--account-id", "AC1", "--account-key", "KEY", "--base-url", srv.URL))
	require.NoError(t, err)
	require.Equal(t, "/account/stat/2024/5/*", gotURI)
	require.Equal(t, "Basic AC1:KEY", gotAuth)
	require.Contains(t, stdout, `"minutes":12`)
}

func TestDeleteReportsAPIError(t *testing.T) {
	t.Parallel()

	var gotMethod, gotURI string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotURI = r.RequestURI
		_, _ = w.Write([]byte(`{"code":4,"message":"recording not found"}`))
	}))
	t.Cleanup(srv.Close)

	stdout, _, err := runCommand(t, isolatedArgs(t, "delete", "r42",
		"--account-id", "AC1", "--account-key", "KEY", "--base-url", srv.URL))
	require.Error(t, err)
	require.Contains(t, err.Error(), "recording not found")
	require.Equal(t, http.MethodDelete, gotMethod)
	require.Equal(t, "/recording/r42", gotURI)
	require.Empty(t, strings.TrimSpace(stdout))
}
