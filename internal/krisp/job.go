package krisp

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type Service string

const (
	ServiceDenoise Service = "denoise"
	ServiceExpand  Service = "expand"
)

// DefaultParam is the correlation token used when the caller passes none.
const DefaultParam = "default"

func ParseService(name string) (Service, error) {
	switch Service(strings.ToLower(strings.TrimSpace(name))) {
	case ServiceDenoise:
		return ServiceDenoise, nil
	case ServiceExpand:
		return ServiceExpand, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownService, name)
	}
}

// Job is a single submission. It is not retained after the call; the only
// trace is the Param echoed back in the callback.
type Job struct {
	Service   Service
	FilePath  string
	ModelName string
	Param     string
	Webhook   string
}

func (c *Client) Denoise(ctx context.Context, filePath, modelName, param string) (Result, error) {
	return c.SubmitJob(ctx, ServiceDenoise, filePath, modelName, param)
}

func (c *Client) Expand(ctx context.Context, filePath, modelName, param string) (Result, error) {
	return c.SubmitJob(ctx, ServiceExpand, filePath, modelName, param)
}

func (c *Client) SubmitJob(ctx context.Context, service Service, filePath, modelName, param string) (Result, error) {
	if _, err := ParseService(string(service)); err != nil {
		return Result{}, err
	}
	if param == "" {
		param = DefaultParam
	}

	webhook := c.webhook()
	if webhook == "" {
		return Result{}, ErrNotReady
	}

	return c.submit(ctx, Job{
		Service:   service,
		FilePath:  filePath,
		ModelName: modelName,
		Param:     param,
		Webhook:   webhook,
	})
}

func (c *Client) submit(ctx context.Context, job Job) (Result, error) {
	op := "submit " + string(job.Service)

	f, err := os.Open(job.FilePath)
	if err != nil {
		return Result{}, &SubmissionError{Op: op, Cause: fmt.Errorf("open source file: %w", err)}
	}

	var source io.Reader = f
	var bar *progressbar.ProgressBar
	if info, statErr := f.Stat(); statErr == nil && c.shouldRenderProgress(info.Size()) {
		bar = progressbar.NewOptions64(
			info.Size(),
			progressbar.OptionSetDescription("uploading "+filepath.Base(job.FilePath)),
			progressbar.OptionSetWidth(20),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
		source = io.TeeReader(f, bar)
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		defer f.Close()
		err := writeJobForm(form, job, source)
		if bar != nil {
			_ = bar.Finish()
		}
		_ = pw.CloseWithError(err)
	}()

	endpoint := fmt.Sprintf("%s/se/%s/file/", c.baseURL, job.Service)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return Result{}, &SubmissionError{Op: op, Cause: err}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	c.logger.Info("calling service",
		zap.String("service", string(job.Service)),
		zap.String("model", job.ModelName),
		zap.String("param", job.Param),
		zap.String("file", job.FilePath),
	)
	return c.do(req, op)
}

func writeJobForm(form *multipart.Writer, job Job, source io.Reader) error {
	fields := [][2]string{
		{"modelName", job.ModelName},
		{"webhook", job.Webhook},
		{"param", job.Param},
	}
	for _, field := range fields {
		if err := form.WriteField(field[0], field[1]); err != nil {
			return err
		}
	}

	name := filepath.Base(job.FilePath)
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", contentType)

	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, source); err != nil {
		return fmt.Errorf("stream source file: %w", err)
	}

	return form.Close()
}

func (c *Client) shouldRenderProgress(size int64) bool {
	if !c.progress || size <= 0 {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
