package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedpipe/internal/acquire"
	"github.com/JakeFAU/feedpipe/internal/api"
	"github.com/JakeFAU/feedpipe/internal/config"
	"github.com/JakeFAU/feedpipe/internal/credential"
	"github.com/JakeFAU/feedpipe/internal/pipeline"
)

type fetchOptions struct {
	browser  bool
	render   bool
	cookie   string
	selector string
	timeout  time.Duration
}

func newFetchCmd() *cobra.Command {
	var opts fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch <url>...",
		Short: "Acquires one batch of URLs and prints it as JSON",
		Long: `Runs the given URLs through the pipeline once and writes the batch to
stdout. The command fails when no URL yielded content or a title.`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app App, args []string) error {
			return runFetch(cmd, app, args, opts)
		}),
	}
	cmd.Flags().BoolVar(&opts.browser, "browser", false, "permit the headless browser tier (default batch.browser)")
	cmd.Flags().BoolVar(&opts.render, "render", false, "permit the external render tier (default batch.render)")
	cmd.Flags().StringVar(&opts.cookie, "cookie", "", "credential for this batch")
	cmd.Flags().StringVar(&opts.selector, "selector", "", "content marker for browser and render tiers (default batch.content_selector)")
	cmd.Flags().DurationVar(&opts.timeout, "tier-timeout", 0, "per-tier timeout (default batch.tier_timeout)")
	return cmd
}

// withConfigDefaults fills every flag the user did not set from the batch config.
func withConfigDefaults(cmd *cobra.Command, opts fetchOptions, defaults config.BatchConfig) fetchOptions {
	flags := cmd.Flags()
	if !flags.Changed("browser") {
		opts.browser = defaults.Browser
	}
	if !flags.Changed("render") {
		opts.render = defaults.Render
	}
	if !flags.Changed("selector") {
		opts.selector = defaults.ContentSelector
	}
	if !flags.Changed("tier-timeout") {
		opts.timeout = defaults.TierTimeout
	}
	return opts
}

func runFetch(cmd *cobra.Command, app App, urls []string, opts fetchOptions) error {
	opts = withConfigDefaults(cmd, opts, app.Config().Batch)
	batch := app.Acquire(cmd.Context(), pipeline.Request{
		URLs:        urls,
		Credentials: credential.Sources{Query: opts.cookie},
		Preferences: acquire.TierPreferences{
			AllowBrowserTier:        opts.browser,
			AllowExternalRenderTier: opts.render,
		},
		Timeout:         opts.timeout,
		ContentSelector: opts.selector,
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(api.NewBatchResponse(batch)); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	if err := batch.Err(); err != nil {
		return err
	}
	app.Logger().Info("fetch command finished", zap.Int("items", len(batch.Items)))
	return nil
}
