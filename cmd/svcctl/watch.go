package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/svcctl/internal/daemon"
	"github.com/eliteGoblin/focusd/svcctl/internal/infra"
)

func newWatchCmd(run func(runFunc) func(*cobra.Command, []string) error) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow service and process changes",
		Long: `Polls the target domain and prints every change to the service list and
the set of running jobs until interrupted. Edits to the LaunchAgents and
LaunchDaemons directories refresh the plist index while watching.`,
		Args: cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app, _ []string) error {
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			err := a.watch(ctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}),
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 watches until interrupted)")
	return cmd
}

// watchEvent is one line of watch output.
type watchEvent struct {
	Time     time.Time `yaml:"time"`
	Target   string    `yaml:"target,omitempty"`
	Services int       `yaml:"services,omitempty"`
	Started  []string  `yaml:"started,omitempty"`
	Stopped  []string  `yaml:"stopped,omitempty"`
	Error    string    `yaml:"error,omitempty"`
}

func (a *app) watch(ctx context.Context) error {
	pcfg := a.cfg.PollerConfig(a.target)
	services := daemon.NewServicePoller(pcfg, a.client, a.logger)
	running := daemon.NewRunningPoller(pcfg, a.client, a.logger)

	pollers := []daemon.Poller{services, running}
	if w, err := infra.NewDescriptorWatcher(a.index, a.dirs, a.logger); err != nil {
		a.logger.Warn("plist directories not watched", zap.Error(err))
	} else {
		pollers = append(pollers, w)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return daemon.RunPollers(gctx, pollers...)
	})
	g.Go(func() error {
		return a.printWatch(gctx, services, running)
	})
	return g.Wait()
}

func (a *app) printWatch(ctx context.Context, services *daemon.ServicePoller, running *daemon.RunningPoller) error {
	var enc *yaml.Encoder
	if a.out.yaml() {
		enc = yaml.NewEncoder(a.out.w)
		defer enc.Close()
	}
	emit := func(ev watchEvent) error {
		if enc != nil {
			return enc.Encode(ev)
		}
		a.printWatchEvent(ev)
		return nil
	}

	var last map[string]int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case snap := <-services.Snapshots():
			ev := watchEvent{Time: snap.TakenAt, Target: snap.Target.String(), Services: len(snap.Services)}
			if snap.Err != nil {
				ev.Services = 0
				ev.Error = snap.Err.Error()
			}
			if err := emit(ev); err != nil {
				return err
			}

		case snap := <-running.Snapshots():
			started, stopped := diffRunning(last, snap.Running)
			last = snap.Running
			if len(started) == 0 && len(stopped) == 0 {
				continue
			}
			if err := emit(watchEvent{Time: snap.TakenAt, Started: started, Stopped: stopped}); err != nil {
				return err
			}
		}
	}
}

func (a *app) printWatchEvent(ev watchEvent) {
	stamp := a.out.muted.Render(ev.Time.Format("15:04:05"))
	w := a.out.w
	switch {
	case ev.Error != "":
		_, _ = fmt.Fprintf(w, "%s %s %s\n", stamp, ev.Target, a.out.failed.Render(ev.Error))
	case ev.Target != "":
		_, _ = fmt.Fprintf(w, "%s %s %d services\n", stamp, ev.Target, ev.Services)
	default:
		for _, label := range ev.Started {
			_, _ = fmt.Fprintf(w, "%s %s %s\n", stamp, a.out.running.Render("+"), label)
		}
		for _, label := range ev.Stopped {
			_, _ = fmt.Fprintf(w, "%s %s %s\n", stamp, a.out.failed.Render("-"), label)
		}
	}
}

// diffRunning returns labels whose pid appeared or changed, and labels
// that are no longer running, both sorted.
func diffRunning(prev, next map[string]int64) (started, stopped []string) {
	for label, pid := range next {
		if old, ok := prev[label]; !ok || old != pid {
			started = append(started, label)
		}
	}
	for label := range prev {
		if _, ok := next[label]; !ok {
			stopped = append(stopped, label)
		}
	}
	sort.Strings(started)
	sort.Strings(stopped)
	return started, stopped
}
