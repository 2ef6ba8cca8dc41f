package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fmueller/krisphook/internal/config"
	"github.com/fmueller/krisphook/internal/logging"
	"github.com/fmueller/krisphook/internal/orchestrator"
	"github.com/fmueller/krisphook/internal/platform"
	"github.com/fmueller/krisphook/internal/version"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

type appState struct {
	configPath  string
	accountID   string
	accountKey  string
	port        int
	download    bool
	downloadDir string
	logLevel    string
	baseURL     string
	tunnelAPI   string
	publicURL   string
	verbose     bool
	jsonLogs    bool
	noProgress  bool

	cfg    config.Config
	logger *zap.Logger
	out    io.Writer
	outMu  sync.Mutex
	lookup func(string) (string, bool)
}

func NewRootCmd() *cobra.Command {
	app := &appState{
		port:      config.DefaultPort,
		logLevel:  config.DefaultLogLevel,
		baseURL:   config.DefaultBaseURL,
		tunnelAPI: config.DefaultTunnelAPI,
		out:       os.Stdout,
		lookup:    os.LookupEnv,
	}

	cmd := &cobra.Command{
		Use:           "krisphook",
		Short:         "Submit audio to the Krisp API and collect results through a tunnelled webhook",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.resolveConfig(cmd); err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{Level: app.cfg.LogLevel, Verbose: app.verbose, JSON: app.jsonLogs})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			app.out = cmd.OutOrStdout()
			return nil
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindConfigFlags(cmd, app)
	bindLoggingFlags(cmd, app)

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newSubmitCmd(app, "denoise", "Remove background noise from audio files"))
	cmd.AddCommand(newSubmitCmd(app, "expand", "Expand the bandwidth of audio files"))
	cmd.AddCommand(newDeleteCmd(app))
	cmd.AddCommand(newStatsCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindConfigFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&app.configPath, "config", "", "Path to a TOML config file")
	flags.StringVar(&app.accountID, "account-id", "", "Krisp account id (env KRISP_ACCOUNT_ID)")
	flags.StringVar(&app.accountKey, "account-key", "", "Krisp account key (env KRISP_ACCOUNT_KEY)")
	flags.IntVar(&app.port, "port", app.port, "Local port for the webhook listener")
	flags.BoolVar(&app.download, "download", app.download, "Download processed audio when a webhook arrives")
	flags.StringVar(&app.downloadDir, "download-dir", "", "Directory for downloaded audio")
	flags.StringVar(&app.baseURL, "base-url", app.baseURL, "Krisp API base URL")
	flags.StringVar(&app.tunnelAPI, "tunnel-api", app.tunnelAPI, "ngrok agent API address used to open the tunnel")
	flags.StringVar(&app.publicURL, "public-url", "", "Use this public webhook URL instead of opening a tunnel")
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&app.logLevel, "log-level", app.logLevel, "Log level: error|warn|info")
	flags.BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	flags.BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
}

// resolveConfig layers defaults, the config file, the environment and
// explicitly set flags, in that order.
func (a *appState) resolveConfig(cmd *cobra.Command) error {
	path := strings.TrimSpace(a.configPath)
	required := path != ""
	if !required {
		if resolved, err := platform.ResolveConfigPath(); err == nil {
			path = resolved
		}
	}

	cfg, err := config.Load(path, required)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(a.lookup); err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("account-id") {
		cfg.AccountID = a.accountID
	}
	if flags.Changed("account-key") {
		cfg.AccountKey = a.accountKey
	}
	if flags.Changed("port") {
		cfg.Port = a.port
	}
	if flags.Changed("download") {
		cfg.Download = a.download
	}
	if flags.Changed("download-dir") {
		cfg.DownloadDir = a.downloadDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("base-url") {
		cfg.BaseURL = a.baseURL
	}
	if flags.Changed("tunnel-api") {
		cfg.TunnelAPI = a.tunnelAPI
	}
	if flags.Changed("public-url") {
		cfg.PublicURL = a.publicURL
	}

	if cfg.Download && cfg.DownloadDir == "" {
		dir, err := platform.ResolveDownloadDir("")
		if err != nil {
			return fmt.Errorf("resolve download directory: %w", err)
		}
		cfg.DownloadDir = dir
	}

	a.cfg = cfg
	return nil
}

func (a *appState) newOrchestrator(hooks orchestrator.Hooks) (*orchestrator.Orchestrator, error) {
	return orchestrator.New(a.cfg,
		orchestrator.WithHooks(hooks),
		orchestrator.WithLogger(a.log()),
		orchestrator.WithProgress(a.progressEnabled()),
	)
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

func (a *appState) printLine(line string) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintln(a.outWriter(), line)
}
