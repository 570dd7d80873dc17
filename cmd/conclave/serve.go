package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/conclave/internal/agent"
	"github.com/ShayCichocki/conclave/internal/metrics"
	"github.com/ShayCichocki/conclave/internal/notify"
	"github.com/ShayCichocki/conclave/internal/orchestrator"
	"github.com/ShayCichocki/conclave/internal/orchestrator/policy"
	"github.com/ShayCichocki/conclave/internal/review"
	"github.com/ShayCichocki/conclave/internal/signals"
	"github.com/ShayCichocki/conclave/internal/state"
	"github.com/ShayCichocki/conclave/pkg/models"
)

var (
	serveMetricsAddr string
	serveQuiet       bool
	serveFollow      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator for this project",
	Long: `Run the workflow coordinator in the foreground.

On startup the coordinator recovers state left by a previous process:
orphaned runs are failed, undelivered collaboration children are relaunched
and tasks waiting in review resume their meeting. It then watches
.conclave/signals for commands sent by 'conclave run' and 'conclave task
create --start'.

Ctrl+C pauses active runs so they can be resumed after restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Prometheus listen address (overrides metrics.addr, \"off\" disables)")
	serveCmd.Flags().BoolVarP(&serveQuiet, "quiet", "q", false, "Don't print workflow events")
	serveCmd.Flags().BoolVarP(&serveFollow, "follow", "f", false, "Also print agent output as runs produce it")
}

func runServe(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	logDir := p.resolve(p.cfg.Output.LogDir)
	logger := orchestrator.NewDebugLoggerInDir(logDir)
	defer logger.Close()
	log.SetOutput(io.MultiWriter(os.Stderr, logger))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	emitter := notify.NewEmitter(256)
	defer func() {
		if n := emitter.DroppedCount(); n > 0 {
			log.Printf("[serve] %d events dropped by a slow console", n)
		}
		emitter.Close()
	}()

	sinks := notify.Multi{notify.NewStoreSink(p.db), emitter}
	if p.cfg.Notify.NATSURL != "" {
		nb, err := notify.NewNATSBroadcaster(p.cfg.Notify.NATSURL, p.cfg.Notify.Subject)
		if err != nil {
			log.Printf("[serve] nats disabled: %v", err)
		} else {
			defer nb.Close()
			sinks = append(sinks, nb)
		}
	}

	runners := &agent.Runners{Process: agent.NewProcessRunner(p.cfg.Providers)}
	if api, err := agent.NewAPIRunner(ctx, p.cfg); err != nil {
		log.Printf("[serve] %s provider unavailable: %v", models.ProviderAnthropicAPI, err)
	} else {
		runners.API = api
	}

	coord, err := orchestrator.New(orchestrator.RequiredConfig{
		Store:     p.db,
		Directory: p.org,
		Runners:   runners,
	},
		orchestrator.WithPolicy(policy.FromConfig(p.cfg)),
		orchestrator.WithLogDir(logDir),
		orchestrator.WithSink(sinks),
		orchestrator.WithMetrics(m),
		orchestrator.WithLogger(logger),
		orchestrator.WithRecoverer(state.NewRecoveryManager(p.db)),
		orchestrator.WithClassifier(review.NewKeywordClassifier(p.cfg.Review.Keywords)),
	)
	if err != nil {
		return err
	}

	if ret := p.cfg.Output.LogRetention; ret > 0 {
		if n, err := p.db.PurgeTaskLogs(ret); err != nil {
			log.Printf("[serve] purge task logs: %v", err)
		} else if n > 0 {
			log.Printf("[serve] purged %d task log rows older than %s", n, ret)
		}
	}

	report, err := coord.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if !report.Empty() {
		printStatus("↻", fmt.Sprintf("Recovered: %d orphaned runs, %d reviews, %d stale meetings",
			len(report.OrphanedRuns), len(report.PendingReviews), len(report.StaleMeetings)), color.FgYellow)
	}

	g, gctx := errgroup.WithContext(ctx)

	watcher, err := signals.NewWatcher(signals.Dir(p.root), func(sctx context.Context, s signals.Signal) {
		dispatchSignal(g, sctx, coord, s)
	})
	if err != nil {
		return err
	}
	g.Go(func() error { return watcher.Run(gctx) })

	if !serveQuiet {
		g.Go(func() error {
			printEvents(gctx, emitter.Events(), coord)
			return nil
		})
	}

	addr := p.cfg.Metrics.Addr
	if serveMetricsAddr != "" {
		addr = serveMetricsAddr
	}
	if addr != "" && addr != "off" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(m), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := coord.Close(closeCtx); err != nil {
			log.Printf("[serve] shutdown: %v", err)
		}
		return nil
	})

	printStatus("●", fmt.Sprintf("Serving %s (%d departments)", p.root, len(p.org.Departments())), color.FgGreen)
	if addr != "" && addr != "off" {
		printStatus(" ", "metrics on "+addr+"/metrics", color.FgHiBlack)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	printStatus("■", "Stopped", color.FgYellow)
	return nil
}

// dispatchSignal maps a signal file onto a coordinator call. Planning runs
// a full meeting, so it gets its own goroutine.
func dispatchSignal(g *errgroup.Group, ctx context.Context, coord *orchestrator.Coordinator, s signals.Signal) {
	var err error
	switch s.Kind {
	case signals.KindPlan:
		g.Go(func() error {
			if _, err := coord.AcceptPlan(ctx, s.TaskID); err != nil {
				log.Printf("[serve] plan %s: %v", s.TaskID, err)
			}
			return nil
		})
		return
	case signals.KindStart:
		err = coord.StartExecution(ctx, s.TaskID)
	case signals.KindPause:
		err = coord.RequestStop(ctx, s.TaskID, models.StopPause)
	case signals.KindCancel:
		err = coord.RequestStop(ctx, s.TaskID, models.StopCancel)
	case signals.KindResume:
		err = coord.Resume(ctx, s.TaskID)
	}
	if err != nil {
		log.Printf("[serve] %s %s: %v", s.Kind, s.TaskID, err)
	}
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

func printEvents(ctx context.Context, events <-chan notify.Event, coord *orchestrator.Coordinator) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if line := formatEvent(ev); line != "" {
				fmt.Println(line)
			}
			if serveFollow && ev.Type == notify.EventRunStarted {
				if lines, ok := coord.Subscribe(ev.TaskID); ok {
					go followRun(shortID(ev.TaskID), lines)
				}
			}
		}
	}
}

// followRun prints a run's output until the supervisor closes the stream.
func followRun(prefix string, lines <-chan string) {
	tag := roleStyle.Render(prefix + " │")
	for line := range lines {
		fmt.Println(tag, line)
	}
}
