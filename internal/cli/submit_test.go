package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeKrisp accepts job submissions and posts a callback to the submitted
// webhook, the way the hosted service does.
type fakeKrisp struct {
	mu       sync.Mutex
	webhooks []string
	params   []string
	models   []string
	srv      *httptest.Server
}

func newFakeKrisp(t *testing.T, artifact []byte) *fakeKrisp {
	t.Helper()

	f := &fakeKrisp{}
	mux := http.NewServeMux()
	mux.HandleFunc("/se/denoise/file/", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		webhook := r.FormValue("webhook")
		param := r.FormValue("param")

		f.mu.Lock()
		f.webhooks = append(f.webhooks, webhook)
		f.params = append(f.params, param)
		f.models = append(f.models, r.FormValue("modelName"))
		f.mu.Unlock()

		_, _ = w.Write([]byte(`{"code":0,"message":"queued"}`))

		go func() {
			body, _ := json.Marshal(map[string]any{
				"param": param,
				"audios": map[string]any{
					"original":         map[string]string{"url": f.srv.URL + "/artifacts/orig.wav", "rid": "r0"},
					"noise_suppressed": map[string]string{"url": f.srv.URL + "/artifacts/r1.wav", "rid": "r1"},
				},
			})
			resp, err := http.Post(webhook, "application/json", bytes.NewReader(body))
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
	})
	mux.HandleFunc("/artifacts/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(artifact)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func TestSubmitWaitsForCallbackAndDownloads(t *testing.T) {
	t.Parallel()

	artifact := makePCM16WAVForTest(make([]int16, 1600), 16000, 1)
	api := newFakeKrisp(t, artifact)
	input := writeWAV(t, "in.wav", 16000)
	downloadDir := t.TempDir()
	port := freePort(t)
	publicURL := fmt.Sprintf("http://127.0.0.1:%d/", port)

	stdout, _, err := runCommand(t, isolatedArgs(t, "denoise", "DENOISE_PLAY_16000", input,
		"--account-id", "AC1", "--account-key", "KEY",
		"--base-url", api.srv.URL,
		"--public-url", publicURL,
		"--port", fmt.Sprint(port),
		"--download", "--download-dir", downloadDir,
		"--param", "T1", "--wait", "--timeout", "10s",
	))
	require.NoError(t, err)

	api.mu.Lock()
	require.Equal(t, []string{publicURL}, api.webhooks)
	require.Equal(t, []string{"T1"}, api.params)
	require.Equal(t, []string{"DENOISE_PLAY_16000"}, api.models)
	api.mu.Unlock()

	require.Contains(t, stdout, "T1\t"+input)
	require.Contains(t, stdout, `"param":"T1"`)

	got, err := os.ReadFile(filepath.Join(downloadDir, "r1.wav"))
	require.NoError(t, err)
	require.Equal(t, artifact, got)
	_, err = os.Stat(filepath.Join(downloadDir, "r0.wav"))
	require.True(t, os.IsNotExist(err))
}

func TestSubmitWithoutWaitGeneratesParams(t *testing.T) {
	t.Parallel()

	api := newFakeKrisp(t, nil)
	first := writeWAV(t, "a.wav", 16000)
	second := writeWAV(t, "b.wav", 16000)

	stdout, _, err := runCommand(t, isolatedArgs(t, "denoise", "DENOISE_PLAY_16000", first, second,
		"--account-id", "AC1", "--account-key", "KEY",
		"--base-url", api.srv.URL,
		"--public-url", "http://127.0.0.1:1/",
		"--port", "0",
	))
	require.NoError(t, err)

	api.mu.Lock()
	params := append([]string(nil), api.params...)
	api.mu.Unlock()
	require.Len(t, params, 2)
	require.NotEqual(t, params[0], params[1])

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		param, file, ok := strings.Cut(line, "\t")
		require.True(t, ok, line)
		require.Contains(t, params, param)
		require.Contains(t, []string{first, second}, file)
	}
}

func TestSubmitWaitTimesOut(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"message":"queued"}`))
	}))
	t.Cleanup(srv.Close)
	input := writeWAV(t, "in.wav", 16000)

	start := time.Now()
	_, _, err := runCommand(t, isolatedArgs(t, "denoise", "DENOISE_PLAY_16000", input,
		"--account-id", "AC1", "--account-key", "KEY",
		"--base-url", srv.URL,
		"--public-url", "http://127.0.0.1:1/",
		"--port", "0",
		"--wait", "--timeout", "200ms",
	))
	require.Error(t, err)
	require.Contains(t, err.Error(), "waiting for callbacks")
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestCallbackTrackerClosesWhenSettled(t *testing.T) {
	t.Parallel()

	tracker := newCallbackTracker()
	tracker.expect("a")
	tracker.expect("a")
	tracker.expect("b")

	require.Equal(t, 3, tracker.remaining())
	require.Equal(t, 2, tracker.arrived("a"))
	require.Equal(t, 2, tracker.arrived("unknown"))
	select {
	case <-tracker.done():
		t.Fatal("tracker closed early")
	default:
	}

	tracker.forget("b")
	require.Equal(t, 0, tracker.arrived("a"))
	select {
	case <-tracker.done():
	case <-time.After(time.Second):
		t.Fatal("tracker did not close")
	}
}

func TestEmptyTrackerIsDone(t *testing.T) {
	t.Parallel()

	select {
	case <-newCallbackTracker().done():
	default:
		t.Fatal("empty tracker should be done")
	}
}
