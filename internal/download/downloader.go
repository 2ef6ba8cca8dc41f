package download

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fmueller/krisphook/internal/audio"
	"github.com/fmueller/krisphook/internal/callback"
	"go.uber.org/zap"
)

// Error reports a failed artifact download.
type Error struct {
	RID string
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("download artifact %s: %v", e.RID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Counters accumulate over the lifetime of a Downloader.
// Completed+Failed never exceeds Queued.
type Counters struct {
	Queued    int
	Completed int
	Failed    int
}

// Batch describes the downloads triggered by a single callback payload.
type Batch struct {
	Param     string
	Queued    int
	Completed int
	Failed    int
	Files     []string
}

type Hooks struct {
	OnError         func(error)
	OnBatchFinished func(Batch)
}

type DownloaderOptions struct {
	HTTPClient *http.Client
	Logger     *zap.Logger
	NoProgress bool
	Hooks      Hooks
}

type Downloader struct {
	dir        string
	httpClient *http.Client
	logger     *zap.Logger
	noProgress bool
	hooks      Hooks

	mu       sync.Mutex
	idle     *sync.Cond
	counters Counters
	pending  int
}

func NewDownloader(dir string, opts DownloaderOptions) *Downloader {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	d := &Downloader{
		dir:        dir,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		noProgress: opts.NoProgress,
		hooks:      opts.Hooks,
	}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// HandleCallback starts one download per derived artifact in payload and
// returns without waiting for them. The original upload is skipped.
func (d *Downloader) HandleCallback(ctx context.Context, payload callback.Payload) {
	d.Prepare(ctx, payload)()
}

// Prepare counts the downloads for payload as pending, so Wait blocks on
// them, and returns a func that starts the transfers.
func (d *Downloader) Prepare(ctx context.Context, payload callback.Payload) (start func()) {
	derived := payload.Derived()
	keys := make([]string, 0, len(derived))
	for key := range derived {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	// Invalid artifacts are queued like the rest and fail without a
	// transfer, so Failed accounts for them.
	queued := make([]queuedArtifact, 0, len(keys))
	for _, key := range keys {
		artifact := derived[key]
		item := queuedArtifact{artifact: artifact}
		if err := validateArtifact(artifact); err != nil {
			item.invalid = &Error{RID: artifact.RID, URL: artifact.URL, Err: fmt.Errorf("artifact %q: %w", key, err)}
		}
		queued = append(queued, item)
	}
	if len(queued) == 0 {
		d.logger.Debug("callback carried no downloadable artifacts", zap.String("param", payload.Param))
		return func() {}
	}

	batch := &Batch{Param: payload.Param, Queued: len(queued)}

	// Queue the whole batch before starting any transfer so a fast first
	// download cannot complete the batch early.
	d.mu.Lock()
	d.counters.Queued += len(queued)
	d.pending += len(queued)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, item := range queued {
				go func(item queuedArtifact) {
					defer d.release()
					d.fetch(ctx, batch, item)
				}(item)
			}
		})
	}
}

type queuedArtifact struct {
	artifact callback.Artifact
	invalid  error
}

func (d *Downloader) fetch(ctx context.Context, batch *Batch, item queuedArtifact) {
	artifact := item.artifact
	destination := filepath.Join(d.dir, artifact.RID+".wav")

	err := item.invalid
	if err == nil {
		err = d.transfer(ctx, artifact, destination)
	}

	finished, snapshot := d.settle(batch, destination, err)
	if err != nil {
		d.reportError(err)
	}
	if finished {
		d.logger.Info("downloads finished",
			zap.String("param", snapshot.Param),
			zap.Int("completed", snapshot.Completed),
			zap.Int("failed", snapshot.Failed),
		)
		if d.hooks.OnBatchFinished != nil {
			d.hooks.OnBatchFinished(snapshot)
		}
	}
}

func (d *Downloader) transfer(ctx context.Context, artifact callback.Artifact, destination string) error {
	d.logger.Info("downloading audio", zap.String("rid", artifact.RID), zap.String("destination", destination))

	size, err := DownloadFile(ctx, Options{
		URL:         artifact.URL,
		Destination: destination,
		NoProgress:  d.noProgress,
		HTTPClient:  d.httpClient,
		Logger:      d.logger,
	})
	if err != nil {
		return &Error{RID: artifact.RID, URL: artifact.URL, Err: err}
	}

	fields := []zap.Field{zap.String("rid", artifact.RID), zap.Int64("bytes", size)}
	if info, probeErr := audio.ProbeWAV(destination); probeErr == nil {
		fields = append(fields, zap.Duration("duration", info.Duration()), zap.Int("sample_rate", info.SampleRate))
	} else {
		d.logger.Warn("downloaded artifact is not a readable wav", zap.String("rid", artifact.RID), zap.Error(probeErr))
	}
	d.logger.Info("audio downloaded", fields...)
	return nil
}

func (d *Downloader) settle(batch *Batch, destination string, err error) (bool, Batch) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err != nil {
		d.counters.Failed++
		batch.Failed++
	} else {
		d.counters.Completed++
		batch.Completed++
		batch.Files = append(batch.Files, destination)
	}

	snapshot := *batch
	snapshot.Files = append([]string(nil), batch.Files...)
	sort.Strings(snapshot.Files)
	return batch.Completed+batch.Failed == batch.Queued, snapshot
}

func (d *Downloader) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters
}

// Wait blocks until no download is in flight and every hook for the
// settled ones has returned.
func (d *Downloader) Wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.pending > 0 {
		d.idle.Wait()
	}
}

func (d *Downloader) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending--
	if d.pending == 0 {
		d.idle.Broadcast()
	}
}

func (d *Downloader) reportError(err error) {
	d.logger.Error("artifact download failed", zap.Error(err))
	if d.hooks.OnError != nil {
		d.hooks.OnError(err)
	}
}

func validateArtifact(artifact callback.Artifact) error {
	if strings.TrimSpace(artifact.URL) == "" {
		return fmt.Errorf("missing url")
	}
	rid := strings.TrimSpace(artifact.RID)
	if rid == "" {
		return fmt.Errorf("missing rid")
	}
	if rid != artifact.RID || filepath.Base(rid) != rid || rid == "." || rid == ".." || strings.ContainsAny(rid, `/\`) {
		return fmt.Errorf("unsafe rid %q", artifact.RID)
	}
	return nil
}
