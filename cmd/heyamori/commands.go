package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/foxseedlab/heyamori/external/scheduler"
	"github.com/foxseedlab/heyamori/internal/command"
	"github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/foxseedlab/heyamori/internal/repository"
	"github.com/foxseedlab/heyamori/internal/session"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	matrixConnectTimeout = 20 * time.Second
	shutdownTimeout      = 30 * time.Second
)

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	cmd := &cobra.Command{
		Use:           "heyamori",
		Short:         "Matrix room keeper bot",
		Long:          "heyamori keeps managed Matrix rooms and spaces in their configured shape and recreates rooms on request.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	cmd.Version = Version
	cmd.AddCommand(serve, newReconcileCmd(), newSessionsCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, injector := bootstrap()
			return runBot(cmd.Context(), injector)
		},
	}
}

func runBot(parent context.Context, injector do.Injector) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo := do.MustInvoke[repository.Repository](injector)
	defer func() {
		if err := repo.Close(); err != nil {
			slog.Error("repository close failed", "error", err)
		}
	}()
	client := do.MustInvoke[matrix.Client](injector)
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("matrix client close failed", "error", err)
		}
	}()

	slog.Info("startup: connecting to matrix homeserver")
	connectCtx, cancel := context.WithTimeout(ctx, matrixConnectTimeout)
	err := client.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("matrix connect failed: %w", err)
	}

	manager := do.MustInvoke[*session.Manager](injector)
	settled, err := manager.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover recreate sessions: %w", err)
	}
	if settled > 0 {
		slog.Warn("startup: settled interrupted recreate sessions", "count", settled)
	}

	dispatcher := do.MustInvoke[*command.Dispatcher](injector)
	client.RegisterMessageHandler(func(ev matrix.MessageEvent) { dispatcher.HandleMessage(ctx, ev) })
	client.RegisterReactionHandler(func(ev matrix.ReactionEvent) { dispatcher.HandleReaction(ctx, ev) })
	client.RegisterInviteHandler(func(ev matrix.InviteEvent) { dispatcher.HandleInvite(ctx, ev) })
	slog.Info("matrix handlers registered")

	sched := do.MustInvoke[*scheduler.ReconcileScheduler](injector)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("startup: entering matrix sync loop")
		return client.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("startup: initial reconcile")
		// A failed pass is logged and reported; the bot keeps serving.
		_, _ = sched.RunOnce(gctx)
		return sched.Start(gctx)
	})

	err = g.Wait()
	slog.Info("shutting down")
	sched.Stop()
	waitWithTimeout(manager.Wait, shutdownTimeout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func waitWithTimeout(wait func(), timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("recreate sessions still running at shutdown", "timeout", timeout)
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one convergence pass over every managed room and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, injector := bootstrap()
			ctx := cmd.Context()

			repo := do.MustInvoke[repository.Repository](injector)
			defer func() { _ = repo.Close() }()
			client := do.MustInvoke[matrix.Client](injector)
			defer func() { _ = client.Close() }()
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("matrix connect failed: %w", err)
			}

			sched := do.MustInvoke[*scheduler.ReconcileScheduler](injector)
			report, err := sched.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.Format())
			if failed := len(report.Failures()); failed > 0 {
				return fmt.Errorf("%d rooms failed to converge", failed)
			}
			return nil
		},
	}
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and settle recreate sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List recreate sessions that have not finished",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, injector := bootstrap()
				repo := do.MustInvoke[repository.Repository](injector)
				defer func() { _ = repo.Close() }()

				sessions, err := repo.ListActiveRecreateSessions(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tROOM\tSTATE\tINITIATOR\tCREATED")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.LogicalID, s.State, s.InitiatorID, s.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "discard <session-id>",
			Short: "Mark a stuck recreate session failed",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, injector := bootstrap()
				repo := do.MustInvoke[repository.Repository](injector)
				defer func() { _ = repo.Close() }()
				manager := do.MustInvoke[*session.Manager](injector)

				s, err := manager.Discard(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %s for %s marked %s\n", s.ID, s.LogicalID, s.State)
				return nil
			},
		},
	)
	return cmd
}
