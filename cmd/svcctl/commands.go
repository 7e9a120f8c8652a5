package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
	"github.com/eliteGoblin/focusd/svcctl/internal/usecase"
)

// runFunc is a command body that needs the wired app.
type runFunc func(ctx context.Context, a *app, args []string) error

func newRootCmd(e *env) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "svcctl",
		Short: "Inspect and control launchd services",
		Long: `svcctl talks to launchd over its private XPC interface, the same way
launchctl does. It lists domains, finds where a label is loaded, loads and
unloads property lists, toggles disabled overrides and dumps launchd state.

Mutating commands are recorded in an encrypted local journal (see history).`,
		Version:      Version,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.target, "target", "t", "", "Domain target: system, user/<uid>, gui/<uid>, login/<asid> or pid/<pid>")
	pf.StringVarP(&opts.output, "output", "o", outputText, "Output format: text or yaml")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level to stderr")
	pf.StringVar(&opts.configPath, "config", "", "Config file (default ~/.config/svcctl/config.toml)")
	pf.StringVar(&opts.dataDir, "data-dir", "", "Directory for the journal database and key")

	run := func(fn runFunc) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := newApp(e, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(cmd.Context(), a, args)
		}
	}

	root.AddCommand(
		newListCmd(run),
		newFindCmd(run),
		newStatusCmd(run),
		newLoadCmd(run, true),
		newLoadCmd(run, false),
		newEnableCmd(run, true),
		newEnableCmd(run, false),
		newBlameCmd(run),
		newDumpStateCmd(run),
		newDumpJetsamCmd(run),
		newProcInfoCmd(run),
		newDisabledCmd(run),
		newWatchCmd(run),
		newHistoryCmd(run),
		newVersionCmd(e, opts),
	)
	return root
}

func newListCmd(run func(runFunc) func(*cobra.Command, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   "list [label]",
		Short: "List the services of a domain",
		Long:  `Lists every service loaded in the target domain with its pid and last exit status.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			services, err := a.client.List(ctx, a.target, name)
			if err != nil {
				return fmt.Errorf("list %s: %w", a.target, err)
			}
			return a.out.services(services)
		}),
	}
}

func newFindCmd(run func(runFunc) func(*cobra.Command, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   "find <label>",
		Short: "Find the domain a label is loaded in",
		Long:  `Searches every domain type in order and reports the first one that knows the label.`,
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			found, err := a.client.FindInAll(ctx, args[0])
			if err != nil {
				return err
			}
			return a.out.found(found)
		}),
	}
}

func newStatusCmd(run func(runFunc) func(*cobra.Command, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   "status <label>",
		Short: "Show the status of a service",
		Long: `Shows where a label is loaded, its pid and session type, and the plist it
was installed from. A label no domain knows is reported as not loaded, and a
pid that no longer names a live process is flagged as stale.`,
		Args: cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			status, err := a.manager.Status(ctx, args[0])
			if err != nil {
				return fmt.Errorf("status %s: %w", args[0], err)
			}
			var proc processView
			if status.PID > 0 {
				pid := int(status.PID)
				proc.Stale = !a.procs.IsRunning(pid)
				if proc.Stale {
					a.logger.Debug("launchd reports a pid that is not alive",
						zap.String("label", args[0]), zap.Int("pid", pid))
				} else if name, err := a.procs.Name(pid); err == nil {
					proc.Name = name
				}
			}
			return a.out.status(args[0], status, proc)
		}),
	}
}

// looksLikePath reports whether a load argument names a file rather than
// a label.
func looksLikePath(arg string) bool {
	return strings.HasSuffix(arg, ".plist") || strings.ContainsRune(arg, filepath.Separator)
}

func newLoadCmd(run func(runFunc) func(*cobra.Command, []string) error, load bool) *cobra.Command {
	var (
		force   bool
		session string
	)

	cmd := &cobra.Command{
		Args: cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			lc := usecase.LoadCommand{Target: a.target, Force: force}
			if looksLikePath(args[0]) {
				path, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				lc.Path = path
			} else {
				lc.Label = args[0]
			}
			if session != "" {
				lc.Session = domain.ParseSessionType(session)
				if lc.Session == domain.SessionUnknown {
					return fmt.Errorf("unknown session type %q", session)
				}
			}

			if load {
				if err := a.manager.Load(ctx, lc); err != nil {
					return err
				}
				return a.out.text("loaded", args[0])
			}
			if err := a.manager.Unload(ctx, lc); err != nil {
				return err
			}
			return a.out.text("unloaded", args[0])
		}),
	}

	if load {
		cmd.Use = "load <label|plist>"
		cmd.Short = "Bootstrap a service into a domain"
		cmd.Long = `Loads a property list into the target domain. A bare label is resolved
to its plist through the LaunchAgents and LaunchDaemons directories.`
		cmd.Flags().BoolVarP(&force, "force", "F", false, "Clear a disabled override while loading")
		cmd.Flags().StringVarP(&session, "session", "S", "", "Limit to a session type (Aqua, StandardIO, Background, LoginWindow, System)")
	} else {
		cmd.Use = "unload <label|plist>"
		cmd.Short = "Boot a service out of a domain"
		cmd.Long = `Unloads a property list from the target domain.`
	}
	return cmd
}

func newEnableCmd(run func(runFunc) func(*cobra.Command, []string) error, enable bool) *cobra.Command {
	cmd := &cobra.Command{
		Args: cobra.MinimumNArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			if enable {
				if err := a.manager.Enable(ctx, a.target, args); err != nil {
					return err
				}
				return a.out.text("enabled", strings.Join(args, " "))
			}
			if err := a.manager.Disable(ctx, a.target, args); err != nil {
				return err
			}
			return a.out.text("disabled", strings.Join(args, " "))
		}),
	}
	if enable {
		cmd.Use = "enable <label>..."
		cmd.Short = "Clear the disabled override of services"
	} else {
		cmd.Use = "disable <label>..."
		cmd.Short = "Set the disabled override of services"
	}
	return cmd
}

func newBlameCmd(run func(runFunc) func(*cobra.Command, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   "blame <label>",
		Short: "Show why a service was last launched",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			reason, err := a.manager.Blame(ctx, a.target, args[0])
			if err != nil {
				return err
			}
			return a.out.text("reason", reason)
		}),
	}
}

func newDumpStateCmd(run func(runFunc) func(*cobra.Command, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   "dumpstate",
		Short: "Dump launchd's full state",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app, _ []string) error {
			data, err := a.client.DumpState(ctx)
			if err != nil {
				return err
			}
			return a.out.raw(data)
		}),
	}
}

func newDumpJetsamCmd(run func(runFunc) func(*cobra.Command, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   "dumpjpcategory",
		Short: "Dump jetsam properties by category",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app, _ []string) error {
			data, err := a.client.DumpJetsamProperties(ctx)
			if err != nil {
				return err
			}
			return a.out.raw(data)
		}),
	}
}

func newProcInfoCmd(run func(runFunc) func(*cobra.Command, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   "procinfo <pid>",
		Short: "Show launchd's view of a process",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			pid, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || pid <= 0 {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			data, err := a.client.ProcInfo(ctx, pid)
			if err != nil {
				return err
			}
			return a.out.raw(data)
		}),
	}
}

func newDisabledCmd(run func(runFunc) func(*cobra.Command, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   "disabled",
		Short: "List disabled overrides of a domain",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app, _ []string) error {
			overrides, err := a.client.DisabledLabels(ctx, a.target)
			if err != nil {
				return err
			}
			return a.out.disabled(overrides)
		}),
	}
}

func newHistoryCmd(run func(runFunc) func(*cobra.Command, []string) error) *cobra.Command {
	var (
		limit  int
		prune  time.Duration
		rotate bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently issued commands",
		Long: `Shows the newest entries of the encrypted command journal.

--prune drops entries older than the given age first. --rotate-key
re-encrypts the journal under a freshly generated key.`,
		Args: cobra.NoArgs,
		RunE: run(func(_ context.Context, a *app, _ []string) error {
			if a.journal == nil {
				return errors.New("command journal unavailable (see log)")
			}
			if prune < 0 {
				return fmt.Errorf("--prune must be positive, got %s", prune)
			}
			if prune > 0 {
				removed, err := a.journal.Prune(time.Now().Add(-prune))
				if err != nil {
					return err
				}
				a.logger.Info("pruned journal", zap.Int64("removed", removed), zap.Duration("older_than", prune))
				a.out.note("Pruned %d entries older than %s", removed, prune)
			}
			if rotate {
				if _, err := a.keys.Rotate(a.journal.Rekey); err != nil {
					return err
				}
				a.logger.Info("rotated journal key")
				a.out.note("Journal key rotated")
			}
			entries, err := a.journal.Recent(limit)
			if err != nil {
				return err
			}
			return a.out.journal(entries)
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show")
	cmd.Flags().DurationVar(&prune, "prune", 0, "Delete entries older than this age (e.g. 720h)")
	cmd.Flags().BoolVar(&rotate, "rotate-key", false, "Re-encrypt the journal under a new key")
	return cmd
}

func newVersionCmd(e *env, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := newPrinter(e.out, opts.output)
			if err != nil {
				return err
			}
			if out.yaml() {
				return out.encode(map[string]string{
					"version":    Version,
					"commit":     Commit,
					"build_time": BuildTime,
				})
			}
			_, _ = fmt.Fprintf(e.out, "svcctl %s (commit %s, built %s)\n", Version, Commit, BuildTime)
			return nil
		},
	}
}
