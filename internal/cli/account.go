package cli

import (
	"errors"

	"github.com/fmueller/krisphook/internal/krisp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDeleteCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <recording-id>",
		Short: "Delete a stored recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.apiClient()
			if err != nil {
				return err
			}
			result, err := client.DeleteRecording(cmd.Context(), args[0])
			return app.printResult(result, err)
		},
	}
}

func newStatsCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <year> [month] [day]",
		Short: "Show account usage statistics",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.apiClient()
			if err != nil {
				return err
			}

			month, day := "*", "*"
			if len(args) > 1 {
				month = args[1]
			}
			if len(args) > 2 {
				day = args[2]
			}

			result, err := client.Stats(cmd.Context(), args[0], month, day)
			return app.printResult(result, err)
		},
	}
}

// apiClient builds a client for calls that need no webhook.
func (a *appState) apiClient() (*krisp.Client, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	return krisp.New(krisp.Options{
		BaseURL:     a.cfg.BaseURL,
		Credentials: a.cfg.Credentials(),
		Logger:      a.log().Named("api"),
	}), nil
}

func (a *appState) printResult(result krisp.Result, err error) error {
	if err != nil {
		var apiErr *krisp.APIError
		if errors.As(err, &apiErr) {
			a.log().Debug("api response", zap.ByteString("body", apiErr.Body))
		}
		return err
	}
	a.printLine(string(result.Body))
	return nil
}
