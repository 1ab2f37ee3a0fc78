// Command monitor follows a training run as it writes its metrics log.
//
//	monitor [-refresh 30s] [-listen :8081] [-run id] <model_path>
//
// It prints the newest value of every series on each refresh and every test
// record as it lands. With -listen it also serves the tsweb debug pages:
// tailsql over metrics.db, table stats, a backup download and an SSE tail of
// the run's events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/splatdepth/internal/db"
	"github.com/banshee-data/splatdepth/internal/httputil"
	"github.com/banshee-data/splatdepth/internal/metrics"
	"github.com/banshee-data/splatdepth/internal/timeutil"
	"github.com/banshee-data/splatdepth/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, timeutil.RealClock{})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		log.Fatalf("monitor: %v", err)
	}
}

// display serialises snapshot updates and prints.
type display struct {
	mu    sync.Mutex
	out   io.Writer
	snap  metrics.Snapshot
	dirty bool
}

func (d *display) apply(ev metrics.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snap.Apply(ev)
	d.dirty = true
	if ev.Kind == metrics.EventTest {
		fmt.Fprintln(d.out, ev.Test.String())
	}
}

func (d *display) snapshot() metrics.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.snap
	s.Series = maps.Clone(d.snap.Series)
	return s
}

func (d *display) flush(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirty && !force {
		return
	}
	d.snap.WriteTo(d.out)
	d.dirty = false
}

func run(ctx context.Context, args []string, stdout io.Writer, clock timeutil.Clock) error {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	refresh := fs.Duration("refresh", metrics.DefaultPollInterval, "poll interval")
	listen := fs.String("listen", "", "serve debug routes on this address (disabled when empty)")
	runID := fs.String("run", "", "run to follow (default: the newest run)")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.String())
		return nil
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: monitor [flags] <model_path>")
	}
	modelPath := fs.Arg(0)

	database, err := db.OpenExisting(db.PathFor(modelPath))
	if err != nil {
		return err
	}
	defer database.Close()

	id := *runID
	if id == "" {
		if id, err = metrics.LatestRunID(ctx, database); err != nil {
			return fmt.Errorf("%s: %w", modelPath, err)
		}
	}
	log.Printf("following run %s in %s every %s", id, database.Path(), *refresh)

	hub := metrics.NewHub()
	defer hub.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	disp := &display{out: stdout}
	var wg sync.WaitGroup
	if *listen != "" {
		mux := http.NewServeMux()
		database.AttachAdminRoutes(mux)
		hub.AttachAdminRoutes(mux)
		tsweb.Debugger(mux).HandleFunc("snapshot", "Newest value of each series", func(w http.ResponseWriter, r *http.Request) {
			httputil.WriteJSONOK(w, disp.snapshot())
		})
		server := &http.Server{Addr: *listen, Handler: mux}

		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Printf("debug server: %v", err)
					cancel()
				}
			}()
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("debug server shutdown: %v", err)
			}
		}()
		log.Printf("debug routes on http://%s/debug/", *listen)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := clock.NewTicker(*refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				disp.flush(false)
			}
		}
	}()

	tailer := metrics.NewTailer(database, id, clock, *refresh)
	err = tailer.Run(ctx, func(ev metrics.Event) {
		hub.Publish(ev)
		disp.apply(ev)
	})
	cancel()
	wg.Wait()
	disp.flush(true)
	return err
}
