package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/fmueller/krisphook/internal/callback"
	"github.com/fmueller/krisphook/internal/clipboard"
	"github.com/fmueller/krisphook/internal/download"
	"github.com/fmueller/krisphook/internal/orchestrator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(app *appState) *cobra.Command {
	var copyURL bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the webhook tunnel and print callbacks until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runServe(cmd.Context(), copyURL)
		},
	}

	cmd.Flags().BoolVar(&copyURL, "copy", false, "Copy the webhook URL to the clipboard")
	return cmd
}

func (a *appState) runServe(ctx context.Context, copyURL bool) error {
	var (
		indicator atomic.Pointer[waitIndicator]
		received  atomic.Int64
	)
	hooks := orchestrator.Hooks{
		OnWebhook: func(payload callback.Payload) {
			a.printPayload(payload)
			n := received.Add(1)
			if wi := indicator.Load(); wi != nil {
				wi.Describe(fmt.Sprintf("Waiting for callbacks (%d received)", n))
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

	publicURL, err := o.Start(ctx)
	if err != nil {
		return err
	}
	a.printLine("Webhook URL: " + publicURL)
	if copyURL {
		if err := clipboard.CopyText(ctx, publicURL); err != nil {
			a.log().Warn("failed to copy webhook url", zap.Error(err))
		}
	}

	wi := startWaitIndicator(a.progressEnabled(), "Waiting for callbacks")
	indicator.Store(wi)
	<-ctx.Done()
	wi.Stop()

	disconnectErr := o.Disconnect(context.WithoutCancel(ctx))
	o.WaitDownloads()
	return disconnectErr
}

// printPayload writes a callback as one JSON line.
func (a *appState) printPayload(payload callback.Payload) {
	line, err := json.Marshal(payload.Raw)
	if err != nil {
		a.log().Warn("failed to encode webhook payload", zap.Error(err))
		return
	}
	a.printLine(string(line))
}
