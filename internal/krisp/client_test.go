package krisp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fmueller/krisphook/internal/config"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method     string
	requestURI string
	auth       string
	fields     map[string]string
	fileName   string
	fileBody   []byte
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	response string
	status   int
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{
		method:     r.Method,
		requestURI: r.RequestURI,
		auth:       r.Header.Get("Authorization"),
		fields:     map[string]string{},
	}

	if r.Method == http.MethodPost {
		reader, err := r.MultipartReader()
		if err == nil {
			for {
				part, err := reader.NextPart()
				if err != nil {
					break
				}
				data, _ := io.ReadAll(part)
				if part.FormName() == "file" {
					rec.fileName = part.FileName()
					rec.fileBody = data
					continue
				}
				rec.fields[part.FormName()] = string(data)
			}
		}
	}

	a.mu.Lock()
	a.requests = append(a.requests, rec)
	a.mu.Unlock()

	if a.status != 0 {
		w.WriteHeader(a.status)
	}
	_, _ = w.Write([]byte(a.response))
}

func (a *fakeAPI) last(t *testing.T) recordedRequest {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.requests)
	return a.requests[len(a.requests)-1]
}

func newTestClient(t *testing.T, api *fakeAPI, webhook string) *Client {
	t.Helper()

	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	return New(Options{
		BaseURL:     server.URL,
		Credentials: config.Credentials{AccountID: "AC1", AccountKey: "k3y"},
		Webhook:     func() string { return webhook },
	})
}

func writeSource(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "input.wav")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSubmitJobSendsMultipartForm(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{response: `{"code":0,"message":"queued","rid":"abc"}`}
	client := newTestClient(t, api, "https://tunnel.test")
	source := writeSource(t, "RIFF-audio-bytes")

	result, err := client.SubmitJob(context.Background(), ServiceDenoise, source, "DENOISE_PLAY_16000", "T1")
	require.NoError(t, err)
	require.Equal(t, 0, result.Code)
	require.Equal(t, "queued", result.Message)
	require.Equal(t, "abc", result.Fields["rid"])

	req := api.last(t)
	require.Equal(t, http.MethodPost, req.method)
	require.Equal(t, "/se/denoise/file/", req.requestURI)
	require.Equal(t, "Basic AC1:k3y", req.auth)
	require.Equal(t, map[string]string{
		"modelName": "DENOISE_PLAY_16000",
		"webhook":   "https://tunnel.test",
		"param":     "T1",
	}, req.fields)
	require.Equal(t, "input.wav", req.fileName)
	require.Equal(t, []byte("RIFF-audio-bytes"), req.fileBody)
}

func TestSubmitJobDefaultParamAndExpand(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{response: `{"code":0}`}
	client := newTestClient(t, api, "https://tunnel.test")

	_, err := client.Expand(context.Background(), writeSource(t, "x"), "EXPAND_8000", "")
	require.NoError(t, err)

	req := api.last(t)
	require.Equal(t, "/se/expand/file/", req.requestURI)
	require.Equal(t, DefaultParam, req.fields["param"])
}

func TestSubmitJobNonZeroCodeKeepsBody(t *testing.T) {
	t.Parallel()

	body := `{"code":12,"message":"model not supported","extra":[1,2]}`
	api := &fakeAPI{response: body}
	client := newTestClient(t, api, "https://tunnel.test")

	_, err := client.Denoise(context.Background(), writeSource(t, "x"), "NOPE", "T1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 12, apiErr.Code)
	require.Equal(t, "model not supported", apiErr.Message)
	require.Equal(t, []byte(body), apiErr.Body)
}

func TestSubmitJobRequiresWebhook(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{response: `{"code":0}`}
	client := newTestClient(t, api, "")

	_, err := client.Denoise(context.Background(), writeSource(t, "x"), "M", "T1")
	require.ErrorIs(t, err, ErrNotReady)
	require.Empty(t, api.requests)
}

func TestSubmitJobMissingFile(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, &fakeAPI{response: `{"code":0}`}, "https://tunnel.test")

	_, err := client.Denoise(context.Background(), "/no/such/file.wav", "M", "T1")
	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSubmitJobUnknownService(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, &fakeAPI{response: `{"code":0}`}, "https://tunnel.test")

	_, err := client.SubmitJob(context.Background(), Service("recover"), writeSource(t, "x"), "M", "T1")
	require.ErrorIs(t, err, ErrUnknownService)
}

func TestSubmitJobTransportFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client := New(Options{BaseURL: baseURL, Webhook: func() string { return "https://tunnel.test" }})
	_, err := client.Denoise(context.Background(), writeSource(t, "x"), "M", "T1")

	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	require.Equal(t, "submit denoise", subErr.Op)
}

func TestDeleteRecordingNotFound(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{response: `{"code":1,"message":"not found"}`}
	client := newTestClient(t, api, "")

	_, err := client.DeleteRecording(context.Background(), "r404")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 1, apiErr.Code)
	require.Equal(t, "not found", apiErr.Message)

	req := api.last(t)
	require.Equal(t, http.MethodDelete, req.method)
	require.Equal(t, "/recording/r404", req.requestURI)
	require.Equal(t, "Basic AC1:k3y", req.auth)
}

func TestDeleteRecordingRequiresID(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, &fakeAPI{response: `{"code":0}`}, "")
	_, err := client.DeleteRecording(context.Background(), " ")
	require.ErrorIs(t, err, ErrMissingRecordingID)
}

func TestStatsPassesWildcardsLiterally(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{response: `{"code":0,"data":{"minutes":12}}`}
	client := newTestClient(t, api, "")

	result, err := client.Stats(context.Background(), "2024", "", "")
	require.NoError(t, err)
	require.NotNil(t, result.Fields["data"])

	req := api.last(t)
	require.Equal(t, http.MethodGet, req.method)
	require.Equal(t, "/account/stat/2024/*/*", req.requestURI)

	_, err = client.Stats(context.Background(), "2024", "05", "*")
	require.NoError(t, err)
	require.Equal(t, "/account/stat/2024/05/*", api.last(t).requestURI)

	_, err = client.Stats(context.Background(), "", "", "")
	require.ErrorIs(t, err, ErrMissingYear)
}

func TestDecodeResultMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "html", body: "<html>bad gateway</html>"},
		{name: "missing code", body: `{"message":"ok"}`},
		{name: "non numeric code", body: `{"code":"zero"}`},
		{name: "quoted zero code", body: `{"code":"0","msg":"fine"}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := decodeResult("stats", http.StatusBadGateway, []byte(tt.body))
			require.ErrorIs(t, err, ErrMalformedResponse)

			var subErr *SubmissionError
			require.True(t, errors.As(err, &subErr))
			require.Equal(t, []byte(tt.body), subErr.Body)
		})
	}
}

func TestDecodeResultQuotedCodeIsNotSuccess(t *testing.T) {
	t.Parallel()

	_, err := decodeResult("stats", http.StatusOK, []byte(`{"code":"0","msg":"fine"}`))
	require.ErrorIs(t, err, ErrMalformedResponse)
	var apiErr *APIError
	require.False(t, errors.As(err, &apiErr))
}

func TestParseService(t *testing.T) {
	t.Parallel()

	svc, err := ParseService(" Denoise ")
	require.NoError(t, err)
	require.Equal(t, ServiceDenoise, svc)

	_, err = ParseService("recover")
	require.ErrorIs(t, err, ErrUnknownService)
}
