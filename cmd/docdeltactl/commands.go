package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"docdelta/internal/bootstrap"
	"docdelta/internal/config"
	"docdelta/internal/pkg/jwtutil"
)

// withApp builds the services without the consumer or the scheduler. Jobs
// dispatched from here only reach workers through the rabbitmq driver.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := cmd.Context()
	app, err := bootstrap.New(ctx, logger, bootstrap.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	if app.Config.RabbitMQ.Driver == config.QueueDriverMemory {
		logger.Warn("queue driver is memory; dispatched jobs are lost when this command exits")
	}
	return fn(ctx, app)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseVersionID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid version id %q", arg)
	}
	return uint(id), nil
}

func sweepCMD() *cobra.Command {
	var jobs bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the recovery sweep over stuck versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				if jobs {
					result, err := app.Recovery.JobSweep(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), result)
				}
				result, err := app.Recovery.RecoverySweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().BoolVar(&jobs, "jobs", false, "run the job sweep (stuck and retryable jobs) instead")
	return cmd
}

func replayCMD() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "replay <version-id>",
		Short: "Re-dispatch the jobs of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID, err := parseVersionID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				result, err := app.Replay.Replay(ctx, 0, versionID, !all)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "re-run every chunk, not only incomplete ones")
	return cmd
}

func statusCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "status <version-id>",
		Short: "Show the progress of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID, err := parseVersionID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				status, err := app.Versions.GetStatus(ctx, 0, versionID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func readinessCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "readiness",
		Short: "Run the consistency checks; exits non-zero when not ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				report := app.Consistency.Readiness(ctx)
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.Ready() {
					return fmt.Errorf("status %s", report.Status)
				}
				return nil
			})
		},
	}
}

func tokenCMD() *cobra.Command {
	var (
		userID   uint
		username string
		ttl      time.Duration
		ops      bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			var scopes []string
			if ops {
				scopes = append(scopes, jwtutil.ScopeOps)
			}
			token, err := jwtutil.GenerateToken(cfg.Auth.JWTSecret, ttl, userID, username, scopes...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().UintVar(&userID, "user-id", 1, "owner id carried by the token")
	cmd.Flags().StringVar(&username, "username", "operator", "username claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&ops, "ops", false, "grant the ops scope")
	return cmd
}
