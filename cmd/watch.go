package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marcus/tally/internal/config"
	"github.com/marcus/tally/internal/engine"
	"github.com/marcus/tally/internal/models"
	"github.com/marcus/tally/internal/output"
	tsync "github.com/marcus/tally/internal/sync"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the sync engine live and print changes as they land",
	Long: `Keeps one realtime subscription per collection open, delivers queued changes
whenever the server is reachable and prints every committed change.

Toggling "tally offline" / "tally online" in another terminal takes effect
immediately. Press Ctrl-C to stop.`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Sync.Enabled() {
			return fail(cmd, engine.ErrNoRemote)
		}
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		only, _ := cmd.Flags().GetStringSlice("collection")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		eng, err := openEngine(ctx, engineOptions{Live: true, Registerer: reg})
		if err != nil {
			return fail(cmd, err)
		}
		defer eng.Close()

		collections := models.Collections()
		if len(only) > 0 {
			collections = only
		}
		for _, c := range collections {
			l := eng.OnCollectionChanged(c, func(ev models.ChangeEvent) {
				printChange(cmd, ev)
			})
			defer l.Unsubscribe()
		}

		var offline atomic.Bool
		offline.Store(cfg.Sync.Offline)
		config.Watch(v, offlineReloader(eng, &offline), func(err error) {
			logger.Warn("config reload", "err", err)
		})

		if metricsAddr != "" {
			srv := &http.Server{
				Addr:              metricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server", "addr", metricsAddr, "err", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
		}

		if !jsonOutput(cmd) {
			fmt.Printf("WATCHING %s as %s", cfg.Sync.URL, eng.DeviceID())
			if metricsAddr != "" {
				fmt.Printf("  metrics on %s", metricsAddr)
			}
			fmt.Println()
		}

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var lastOnline *bool
		last := map[string]tsync.SubState{}
		for {
			select {
			case <-ctx.Done():
				if !jsonOutput(cmd) {
					fmt.Println("\nstopped")
				}
				return nil
			case <-ticker.C:
				st, err := eng.GetSyncStatus(ctx)
				if err != nil {
					if ctx.Err() != nil {
						continue
					}
					logger.Warn("sync status", "err", err)
					continue
				}
				if lastOnline == nil || *lastOnline != st.IsOnline {
					online := st.IsOnline
					lastOnline = &online
					printConnectivity(cmd, st)
				}
				for c, s := range eng.SubscriptionStates() {
					if last[c] != s {
						last[c] = s
						logger.Debug("subscription", "collection", c, "state", s.String())
					}
				}
			}
		}
	},
}

func printChange(cmd *cobra.Command, ev models.ChangeEvent) {
	if jsonOutput(cmd) {
		output.JSON(map[string]any{
			"collection": ev.Collection,
			"ids":        ev.IDs,
			"source":     ev.Source,
			"at":         time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	arrow := pushArrow
	if ev.Source != models.SourceLocal {
		arrow = pullArrow
	}
	ids := strings.Join(ev.IDs, ", ")
	if len(ev.IDs) == 0 {
		ids = dimStyle.Render("(whole collection)")
	}
	fmt.Printf("%s %-8s %s  %s\n", arrow, ev.Source, ev.Collection, output.Truncate(ids, 80))
}

func printConnectivity(cmd *cobra.Command, st models.SyncStatus) {
	if jsonOutput(cmd) {
		output.JSON(map[string]any{"online": st.IsOnline, "queue_length": st.QueueLength})
		return
	}
	fmt.Printf("%s  %d queued\n", output.FormatOnline(st.IsOnline), st.QueueLength)
}

func init() {
	watchCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	watchCmd.Flags().StringSlice("collection", nil, "only print changes for these collections")
	rootCmd.AddCommand(watchCmd)
}

// onlineSetter is the part of the engine a config reload drives.
type onlineSetter interface {
	SetOnline(bool)
}

// offlineReloader feeds sync.offline from reloaded config into the engine.
// It runs on the watcher goroutine, so it only touches offline and eng.
func offlineReloader(eng onlineSetter, offline *atomic.Bool) func(*config.Config) {
	return func(c *config.Config) {
		if offline.Swap(c.Sync.Offline) != c.Sync.Offline {
			logger.Info("connectivity switched", "offline", c.Sync.Offline)
		}
		eng.SetOnline(!c.Sync.Offline)
	}
}
