package krisp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fmueller/krisphook/internal/config"
	"go.uber.org/zap"
)

type Options struct {
	BaseURL     string
	Credentials config.Credentials
	// Webhook resolves the callback URL at submission time.
	Webhook    func() string
	HTTPClient *http.Client
	Logger     *zap.Logger
	Progress   bool
}

// Client talks to the remote API. Every call is a single attempt; retrying
// is left to the caller.
type Client struct {
	baseURL     string
	credentials config.Credentials
	webhook     func() string
	httpClient  *http.Client
	logger      *zap.Logger
	progress    bool
}

// Result is a decoded successful response (code == 0).
type Result struct {
	Code    int
	Message string
	Body    []byte
	Fields  map[string]any
}

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = config.DefaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Webhook == nil {
		opts.Webhook = func() string { return "" }
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		credentials: opts.Credentials,
		webhook:     opts.Webhook,
		httpClient:  opts.HTTPClient,
		logger:      opts.Logger,
		progress:    opts.Progress,
	}
}

func (c *Client) DeleteRecording(ctx context.Context, rid string) (Result, error) {
	if strings.TrimSpace(rid) == "" {
		return Result{}, ErrMissingRecordingID
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/recording/"+pathSegment(rid), nil)
	if err != nil {
		return Result{}, &SubmissionError{Op: "delete recording", Cause: err}
	}
	return c.do(req, "delete recording")
}

// Stats reads account usage. Empty month or day mean "*"; wildcards are
// sent as-is and resolved by the service.
func (c *Client) Stats(ctx context.Context, year, month, day string) (Result, error) {
	if strings.TrimSpace(year) == "" {
		return Result{}, ErrMissingYear
	}
	if month == "" {
		month = "*"
	}
	if day == "" {
		day = "*"
	}

	endpoint := fmt.Sprintf("%s/account/stat/%s/%s/%s", c.baseURL, pathSegment(year), pathSegment(month), pathSegment(day))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, &SubmissionError{Op: "stats", Cause: err}
	}
	return c.do(req, "stats")
}

func (c *Client) do(req *http.Request, op string) (Result, error) {
	req.Header.Set("Authorization", c.authorization())
	req.Header.Set("User-Agent", "krisphook/1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("api call failed", zap.String("op", op), zap.Error(err))
		return Result{}, &SubmissionError{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("api call failed", zap.String("op", op), zap.Error(err))
		return Result{}, &SubmissionError{Op: op, Cause: fmt.Errorf("read response: %w", err)}
	}

	return decodeResult(op, resp.StatusCode, raw)
}

// authorization reproduces the service's scheme: the literal id and key
// joined by a colon, not base64 encoded.
func (c *Client) authorization() string {
	return "Basic " + c.credentials.AccountID + ":" + c.credentials.AccountKey
}

func decodeResult(op string, status int, raw []byte) (Result, error) {
	var fields map[string]any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&fields); err != nil {
		return Result{}, &SubmissionError{Op: op, Cause: fmt.Errorf("%w (status %d): %v", ErrMalformedResponse, status, err), Body: raw}
	}

	code, ok := numericField(fields["code"])
	if !ok {
		return Result{}, &SubmissionError{Op: op, Cause: fmt.Errorf("%w (status %d): missing code", ErrMalformedResponse, status), Body: raw}
	}

	message, _ := fields["message"].(string)
	if message == "" {
		message, _ = fields["msg"].(string)
	}

	if code != 0 {
		return Result{}, &APIError{Op: op, Code: code, Message: message, StatusCode: status, Body: raw}
	}

	return Result{Code: code, Message: message, Body: raw, Fields: fields}, nil
}

// numericField accepts only JSON numbers. A quoted code such as "0" is not
// success.
func numericField(value any) (int, bool) {
	switch v := value.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// pathSegment keeps sub-delimiters such as '*' literal and only escapes
// what would break the path.
func pathSegment(s string) string {
	return strings.NewReplacer("/", "%2F", "?", "%3F", "#", "%23", " ", "%20", "%", "%25").Replace(s)
}
