package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pxtio/topix-sub001/ratelimit"
)

var (
	rlSubject string
	rlScope   string
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Inspect and reset rate limit state",
}

var ratelimitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show remaining quota for a subject without consuming it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withLimiter(cmd, func(ctx context.Context, w *ratelimit.Window, key ratelimit.Key) error {
			dec, err := w.Peek(ctx, key)
			if err != nil {
				return err
			}
			out := struct {
				Subject           string    `json:"subject"`
				Scope             string    `json:"scope"`
				Allowed           bool      `json:"allowed"`
				Limit             int       `json:"limit"`
				Remaining         int       `json:"remaining"`
				ResetAt           time.Time `json:"reset_at"`
				RetryAfterSeconds int64     `json:"retry_after_seconds,omitempty"`
			}{
				Subject:           key.Subject,
				Scope:             key.Scope,
				Allowed:           dec.Allowed,
				Limit:             dec.Limit,
				Remaining:         dec.Remaining,
				ResetAt:           dec.ResetAt.UTC(),
				RetryAfterSeconds: dec.RetryAfterSeconds(),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		})
	},
}

var ratelimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear recorded requests for a subject",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withLimiter(cmd, func(ctx context.Context, w *ratelimit.Window, key ratelimit.Key) error {
			if err := w.Reset(ctx, key); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", key)
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(ratelimitCmd)
	ratelimitCmd.AddCommand(ratelimitStatusCmd, ratelimitResetCmd)

	ratelimitCmd.PersistentFlags().StringVar(&rlSubject, "subject", "", "caller identity (required)")
	ratelimitCmd.PersistentFlags().StringVar(&rlScope, "scope", ratelimit.DefaultScope, "limit scope, usually a route pattern")
	_ = ratelimitCmd.MarkPersistentFlagRequired("subject")
}

func withLimiter(cmd *cobra.Command, fn func(context.Context, *ratelimit.Window, ratelimit.Key) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	w, b, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.close() }()

	return fn(ctx, w, ratelimit.Key{Subject: rlSubject, Scope: rlScope})
}
