package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fmueller/krisphook/internal/audio"
	"github.com/fmueller/krisphook/internal/callback"
	"github.com/fmueller/krisphook/internal/download"
	"github.com/fmueller/krisphook/internal/krisp"
	"github.com/fmueller/krisphook/internal/orchestrator"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type submitOptions struct {
	param       string
	wait        bool
	timeout     time.Duration
	concurrency int
}

func newSubmitCmd(app *appState, service, short string) *cobra.Command {
	opts := &submitOptions{concurrency: 4}

	cmd := &cobra.Command{
		Use:   service + " <model> <audio-file>...",
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := krisp.ParseService(service)
			if err != nil {
				return err
			}
			return app.runSubmit(cmd.Context(), svc, args[0], args[1:], *opts)
		},
	}

	cmd.Flags().StringVar(&opts.param, "param", "", "Correlation token sent with every file; a random one per file when empty")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "Wait for the webhook of every submitted file (and its downloads)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Give up waiting after this long, e.g. 10m; 0 waits indefinitely")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", opts.concurrency, "Maximum number of uploads in flight")
	return cmd
}

func (a *appState) runSubmit(ctx context.Context, service krisp.Service, model string, files []string, opts submitOptions) error {
	for _, file := range files {
		if err := a.checkSource(file, model); err != nil {
			return err
		}
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	tracker := newCallbackTracker()
	var indicator atomic.Pointer[waitIndicator]
	hooks := orchestrator.Hooks{
		OnWebhook: func(payload callback.Payload) {
			a.printPayload(payload)
			remaining := tracker.arrived(payload.Param)
			if wi := indicator.Load(); wi != nil {
				wi.Describe(fmt.Sprintf("Waiting for callbacks (%d left)", remaining))
			}
		},
		OnError: func(err error) {
			a.log().Warn("callback pipeline error", zap.Error(err))
		},
		OnDownloadsFinished: func(batch download.Batch) {
			a.log().Info("downloads finished", zap.String("param", batch.Param), zap.Strings("files", batch.Files))
		},
	}

	o, err := a.newOrchestrator(hooks)
	if err != nil {
		return err
	}
	defer func() {
		if err := o.Disconnect(context.WithoutCancel(ctx)); err != nil {
			a.log().Warn("disconnect failed", zap.Error(err))
		}
	}()

	if _, err := o.Start(ctx); err != nil {
		return err
	}

	concurrency := opts.concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	errs := make([]error, len(files))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, file := range files {
		i, file := i, file
		param := opts.param
		if param == "" {
			param = uuid.NewString()
		}
		tracker.expect(param)

		g.Go(func() error {
			result, err := o.Submit(ctx, service, file, model, param)
			if err != nil {
				errs[i] = fmt.Errorf("submit %s: %w", file, err)
				tracker.forget(param)
				return nil
			}
			a.log().Info("job submitted", zap.String("file", file), zap.String("param", param), zap.String("message", result.Message))
			a.printLine(param + "\t" + file)
			return nil
		})
	}
	_ = g.Wait()

	submitErr := errors.Join(errs...)
	if !opts.wait {
		return submitErr
	}

	wi := startWaitIndicator(a.progressEnabled(), fmt.Sprintf("Waiting for callbacks (%d left)", tracker.remaining()))
	indicator.Store(wi)
	select {
	case <-tracker.done():
		wi.Stop()
	case <-ctx.Done():
		wi.Stop()
		return errors.Join(submitErr, fmt.Errorf("waiting for callbacks: %w", ctx.Err()))
	}

	o.WaitDownloads()
	return submitErr
}

// checkSource fails for missing files and warns when a WAV's sample rate
// does not match the rate encoded in the model name.
func (a *appState) checkSource(path, model string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("audio file not found: %w", err)
	}
	if !strings.EqualFold(filepath.Ext(path), ".wav") {
		return nil
	}

	info, err := audio.ProbeWAV(path)
	if err != nil {
		a.log().Warn("could not read wav header", zap.String("file", path), zap.Error(err))
		return nil
	}

	if rate, ok := audio.ModelSampleRate(model); ok && rate != info.SampleRate {
		a.log().Warn("sample rate does not match model",
			zap.String("file", path),
			zap.Int("file_rate", info.SampleRate),
			zap.String("model", model),
			zap.Int("model_rate", rate),
		)
	}
	return nil
}

// callbackTracker counts outstanding callbacks per correlation token.
type callbackTracker struct {
	mu      sync.Mutex
	pending map[string]int
	total   int
	ch      chan struct{}
	closed  bool
}

func newCallbackTracker() *callbackTracker {
	return &callbackTracker{pending: map[string]int{}, ch: make(chan struct{})}
}

func (t *callbackTracker) expect(param string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[param]++
	t.total++
}

// arrived settles one callback for param and reports how many are still
// outstanding.
func (t *callbackTracker) arrived(param string) int {
	return t.settle(param)
}

func (t *callbackTracker) forget(param string) {
	t.settle(param)
}

func (t *callbackTracker) remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

func (t *callbackTracker) settle(param string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending[param] == 0 {
		return t.total
	}
	t.pending[param]--
	t.total--
	if t.pending[param] == 0 {
		delete(t.pending, param)
	}
	t.closeIfDone()
	return t.total
}

// done is closed once every expected callback arrived or was forgotten.
func (t *callbackTracker) done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeIfDone()
	return t.ch
}

func (t *callbackTracker) closeIfDone() {
	if t.total == 0 && !t.closed {
		t.closed = true
		close(t.ch)
	}
}
