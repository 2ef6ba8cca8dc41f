package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/fmueller/krisphook/internal/callback"
	"github.com/fmueller/krisphook/internal/config"
	"github.com/fmueller/krisphook/internal/download"
	"github.com/fmueller/krisphook/internal/krisp"
	"github.com/fmueller/krisphook/internal/tunnel"
	"go.uber.org/zap"
)

type State int

const (
	Uninitialized State = iota
	Configuring
	Ready
	Disconnected
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Configuring:
		return "configuring"
	case Ready:
		return "ready"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotReady     = krisp.ErrNotReady
	ErrDisconnected = errors.New("orchestrator is disconnected")
	ErrStarting     = errors.New("orchestrator is already starting")
)

// Hooks receive lifecycle events. Every field is optional. Hooks run on the
// goroutine that produced the event and should return quickly.
type Hooks struct {
	OnConfigured        func(publicURL string)
	OnReady             func(publicURL string)
	OnWebhook           func(payload callback.Payload)
	OnError             func(err error)
	OnDownloadsFinished func(batch download.Batch)
}

type Option func(*Orchestrator)

func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithProvisioner(p tunnel.Provisioner) Option {
	return func(o *Orchestrator) { o.provisioner = p }
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *Orchestrator) { o.httpClient = client }
}

func WithProgress(enabled bool) Option {
	return func(o *Orchestrator) { o.progress = enabled }
}

// WithLenientConfig lets New succeed despite configuration problems; they
// are reported through OnError when Start runs instead.
func WithLenientConfig() Option {
	return func(o *Orchestrator) { o.lenient = true }
}

type Orchestrator struct {
	cfg         config.Config
	hooks       Hooks
	logger      *zap.Logger
	provisioner tunnel.Provisioner
	httpClient  *http.Client
	progress    bool
	lenient     bool
	configErr   error

	tunnel     *tunnel.Manager
	server     *callback.Server
	client     *krisp.Client
	downloader *download.Downloader

	// downloads outlive Disconnect, so they get their own context.
	downloadCtx context.Context

	mu       sync.Mutex
	state    State
	starting bool
	ready    chan struct{}
}

// New validates and stores the configuration. It performs no I/O.
func New(cfg config.Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:         cfg,
		logger:      zap.NewNop(),
		state:       Uninitialized,
		ready:       make(chan struct{}),
		downloadCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := cfg.Validate(); err != nil {
		if !o.lenient {
			return nil, err
		}
		o.configErr = err
	}

	if o.provisioner == nil {
		if cfg.PublicURL != "" {
			o.provisioner = tunnel.StaticProvisioner{URL: cfg.PublicURL}
		} else {
			o.provisioner = tunnel.NewAgentProvisioner(cfg.TunnelAPI)
		}
	}

	o.tunnel = tunnel.NewManager(o.provisioner, o.logger.Named("tunnel"))
	o.server = callback.NewServer(o.dispatch, o.logger.Named("callback"))
	o.client = krisp.New(krisp.Options{
		BaseURL:     cfg.BaseURL,
		Credentials: cfg.Credentials(),
		Webhook:     o.webhookURL,
		HTTPClient:  o.httpClient,
		Logger:      o.logger.Named("api"),
		Progress:    o.progress,
	})
	if cfg.Download {
		o.downloader = download.NewDownloader(cfg.DownloadDir, download.DownloaderOptions{
			HTTPClient: o.httpClient,
			Logger:     o.logger.Named("download"),
			NoProgress: true,
			Hooks: download.Hooks{
				OnError:         o.emitError,
				OnBatchFinished: o.emitDownloadsFinished,
			},
		})
	}

	o.state = Configuring
	return o, nil
}

// Start opens the tunnel, then the callback listener, and returns the public
// webhook URL once the orchestrator is ready. If either step fails the
// orchestrator stays in Configuring and nothing is left running.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	o.mu.Lock()
	switch {
	case o.state == Disconnected:
		o.mu.Unlock()
		return "", ErrDisconnected
	case o.state == Ready:
		o.mu.Unlock()
		return o.tunnel.PublicURL(), nil
	case o.starting:
		o.mu.Unlock()
		return "", ErrStarting
	}
	o.starting = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.starting = false
		o.mu.Unlock()
	}()

	if o.configErr != nil {
		o.emitError(o.configErr)
	}

	o.logger.Info("configuring webhook and tunnel", zap.Int("port", o.cfg.Port))
	publicURL, err := o.tunnel.Connect(ctx, o.cfg.Port)
	if err != nil {
		o.logger.Error("failed to configure webhook", zap.Error(err))
		o.emitError(err)
		return "", err
	}
	if o.hooks.OnConfigured != nil {
		o.hooks.OnConfigured(publicURL)
	}

	if err := o.server.Start(ctx, o.cfg.Port); err != nil {
		o.logger.Error("failed to start callback server", zap.Error(err))
		if closeErr := o.tunnel.Disconnect(context.WithoutCancel(ctx)); closeErr != nil {
			o.logger.Warn("failed to close tunnel after bind failure", zap.Error(closeErr))
		}
		o.emitError(err)
		return "", err
	}

	o.mu.Lock()
	if o.state == Disconnected {
		o.mu.Unlock()
		_ = o.server.Shutdown(context.WithoutCancel(ctx))
		_ = o.tunnel.Disconnect(context.WithoutCancel(ctx))
		return "", ErrDisconnected
	}
	o.state = Ready
	close(o.ready)
	o.mu.Unlock()

	o.logger.Info("ready", zap.String("webhook", publicURL))
	if o.hooks.OnReady != nil {
		o.hooks.OnReady(publicURL)
	}
	return publicURL, nil
}

// Ready is closed once the orchestrator reaches the Ready state.
func (o *Orchestrator) Ready() <-chan struct{} {
	return o.ready
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CallbackAddr is the bound address of the local callback listener, or ""
// when it is not running.
func (o *Orchestrator) CallbackAddr() string {
	return o.server.Addr()
}

// Client returns the API client. Submissions through it fail with
// ErrNotReady until Start has succeeded.
func (o *Orchestrator) Client() *krisp.Client {
	return o.client
}

func (o *Orchestrator) Submit(ctx context.Context, service krisp.Service, filePath, modelName, param string) (krisp.Result, error) {
	if state := o.State(); state != Ready {
		return krisp.Result{}, fmt.Errorf("%w (state %s)", ErrNotReady, state)
	}
	return o.client.SubmitJob(ctx, service, filePath, modelName, param)
}

func (o *Orchestrator) Denoise(ctx context.Context, filePath, modelName, param string) (krisp.Result, error) {
	return o.Submit(ctx, krisp.ServiceDenoise, filePath, modelName, param)
}

func (o *Orchestrator) Expand(ctx context.Context, filePath, modelName, param string) (krisp.Result, error) {
	return o.Submit(ctx, krisp.ServiceExpand, filePath, modelName, param)
}

// Counters reports cumulative download bookkeeping. It is zero when
// downloads are disabled.
func (o *Orchestrator) Counters() download.Counters {
	if o.downloader == nil {
		return download.Counters{}
	}
	return o.downloader.Counters()
}

// WaitDownloads blocks until no artifact download is in flight.
func (o *Orchestrator) WaitDownloads() {
	if o.downloader != nil {
		o.downloader.Wait()
	}
}

// Disconnect closes the tunnel and stops the callback listener. It can be
// called from any state and more than once. In-flight downloads continue.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	o.mu.Lock()
	if o.state == Disconnected {
		o.mu.Unlock()
		return nil
	}
	o.state = Disconnected
	o.mu.Unlock()

	var errs []error
	if err := o.tunnel.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := o.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop callback server: %w", err))
	}

	o.logger.Info("disconnected")
	return errors.Join(errs...)
}

func (o *Orchestrator) webhookURL() string {
	if o.State() != Ready {
		return ""
	}
	return o.tunnel.PublicURL()
}

func (o *Orchestrator) dispatch(payload callback.Payload) {
	o.logger.Info("webhook received", zap.String("param", payload.Param), zap.Int("audios", len(payload.Audios)))
	start := func() {}
	if o.downloader != nil {
		start = o.downloader.Prepare(o.downloadCtx, payload)
	}
	if o.hooks.OnWebhook != nil {
		o.hooks.OnWebhook(payload)
	}
	start()
}

// emitError forwards err to OnError. Unobserved errors are logged, never
// fatal.
func (o *Orchestrator) emitError(err error) {
	if o.hooks.OnError != nil {
		o.hooks.OnError(err)
		return
	}
	o.logger.Error("unhandled error", zap.Error(err))
}

func (o *Orchestrator) emitDownloadsFinished(batch download.Batch) {
	if o.hooks.OnDownloadsFinished != nil {
		o.hooks.OnDownloadsFinished(batch)
	}
}
