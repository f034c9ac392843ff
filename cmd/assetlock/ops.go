package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/assetlock"
	"pkt.systems/assetlock/internal/pathutil"
)

type pathOp func(s *session, cmd *cobra.Command, path string, force bool) (*assetlock.Ticket, error)

// newPathCommand builds a command that applies op to every path argument
// and waits for the covering cycle.
func newPathCommand(c *cli, use, short, verb string, op pathOp) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   use + " <path>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			paths, err := c.repoPaths(s.Config().RepoRoot, args)
			if err != nil {
				return err
			}
			var errs []error
			for _, p := range paths {
				ticket, err := op(s, cmd, p, force)
				if err == nil {
					err = c.wait(cmd.Context(), ticket)
				}
				if err != nil {
					errs = append(errs, fmt.Errorf("%s %s: %w", use, p, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, p)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip validation and override other owners")
	return cmd
}

func newTrackCommand(c *cli) *cobra.Command {
	return newPathCommand(c, "track", "Register assets as lockable", "tracked",
		func(s *session, cmd *cobra.Command, p string, force bool) (*assetlock.Ticket, error) {
			return s.Track(cmd.Context(), p, force)
		})
}

func newUntrackCommand(c *cli) *cobra.Command {
	return newPathCommand(c, "untrack", "Stop managing locks for assets", "untracked",
		func(s *session, cmd *cobra.Command, p string, force bool) (*assetlock.Ticket, error) {
			return s.Untrack(cmd.Context(), p, force)
		})
}

func newLockCommand(c *cli) *cobra.Command {
	return newPathCommand(c, "lock", "Take the exclusive lock on assets", "locked",
		func(s *session, cmd *cobra.Command, p string, force bool) (*assetlock.Ticket, error) {
			return s.Lock(cmd.Context(), p, force)
		})
}

func newUnlockCommand(c *cli) *cobra.Command {
	return newPathCommand(c, "unlock", "Release the lock on assets", "unlocked",
		func(s *session, cmd *cobra.Command, p string, force bool) (*assetlock.Ticket, error) {
			return s.Unlock(cmd.Context(), p, force)
		})
}

func newEditCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <path>...",
		Short: "Check the edit guard and lock assets before modifying them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			paths, err := c.repoPaths(s.Config().RepoRoot, args)
			if err != nil {
				return err
			}
			for _, p := range paths {
				if err := s.AutoLock(cmd.Context(), p); err != nil {
					return fmt.Errorf("edit %s: %w", p, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "editable %s\n", p)
			}
			return nil
		},
	}
}

func newRefreshCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [path]...",
		Short: "Re-read lock state from the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			if len(args) == 0 {
				if err := s.ForceRefresh(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d records\n", len(s.Snapshot()))
				return nil
			}
			paths, err := c.repoPaths(s.Config().RepoRoot, args)
			if err != nil {
				return err
			}
			for _, p := range paths {
				ticket, err := s.RefreshOne(cmd.Context(), p)
				if err != nil {
					return err
				}
				if err := c.wait(cmd.Context(), ticket); err != nil {
					return fmt.Errorf("refresh %s: %w", p, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "refreshed %s\n", p)
			}
			return nil
		},
	}
}

func newStatusCommand(c *cli) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the engine state and the cached lock table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			if !offline {
				if err := s.ForceRefresh(cmd.Context()); err != nil {
					c.logger.Warn("cli.status.refresh_failed", "error", err)
				}
			}
			st := s.Status()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "identity: %s\n", st.Identity)
			fmt.Fprintf(out, "backend:  %s\n", st.Backend)
			fmt.Fprintf(out, "ready:    %t\n", st.Ready)
			fmt.Fprintf(out, "queued:   %d\n", st.Queued)
			fmt.Fprintf(out, "records:  %d\n", st.Records)
			if !st.LastRun.IsZero() {
				fmt.Fprintf(out, "synced:   %s\n", humanize.Time(st.LastRun))
			}
			if st.LastErr != nil {
				fmt.Fprintf(out, "error:    %s\n", st.LastErr)
			}
			fmt.Fprintln(out)
			return s.Dump(out)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "print the persisted cache without contacting the remote")
	return cmd
}

func newLocksCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List the locks currently held on the remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			locks, err := s.Locks(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rec := range locks {
				since := rec.LockedAt
				if t, err := time.Parse(time.RFC3339, rec.LockedAt); err == nil {
					since = humanize.Time(t)
				}
				fmt.Fprintf(out, "%s\t%s\tid:%s\t%s\n", rec.Path, rec.Owner, rec.LockID, since)
			}
			return nil
		},
	}
}

func newMoveCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "move <old> <new>",
		Short: "Record a rename so the cached lock follows the asset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			root := s.Config().RepoRoot
			oldPath, err := pathutil.RepoRelative(root, args[0])
			if err != nil {
				return err
			}
			newPath, err := pathutil.RepoRelative(root, args[1])
			if err != nil {
				return err
			}
			if ok, owner := s.CanEdit(oldPath); !ok {
				return fmt.Errorf("move %s: locked by %s", oldPath, owner)
			}
			if err := s.RegisterMove(oldPath, newPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "moved %s -> %s\n", oldPath, newPath)
			return nil
		},
	}
}

func newUnlockAllCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock-all",
		Short: "Release every lock you hold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.ForceRefresh(cmd.Context()); err != nil {
				return err
			}
			ticket, err := s.UnlockAll(cmd.Context())
			if err != nil {
				return err
			}
			n := len(ticket.CommandIDs())
			if err := c.wait(cmd.Context(), ticket); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d locks\n", n)
			return nil
		},
	}
}

func newTrackAllCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "track-all",
		Short: "Track every binary asset in the working copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			ticket, err := s.TrackAll(cmd.Context())
			if err != nil {
				return err
			}
			n := len(ticket.CommandIDs())
			if err := c.wait(cmd.Context(), ticket); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tracked %d assets\n", n)
			return nil
		},
	}
}
