package cmd

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marcus/tally/internal/config"
	"github.com/marcus/tally/internal/engine"
	"github.com/marcus/tally/internal/syncclient"
)

// mutatingCommands lists commands that modify local data and should trigger auto-sync.
var mutatingCommands = map[string]bool{
	"create": true,
	"update": true,
	"delete": true,
	"import": true,
	"online": true,
}

// isMutatingCommand checks if the given command name triggers auto-sync.
func isMutatingCommand(name string) bool {
	return mutatingCommands[name]
}

// autoSyncEnabled reports whether mutating commands should push right away.
func autoSyncEnabled() bool {
	return cfg != nil && cfg.Sync.Enabled() && cfg.Sync.AutoFlush && !cfg.Sync.Offline
}

// autoSyncAfterMutation runs a quick push after a mutating command completes.
// Runs synchronously but with a short timeout. Errors are logged, not returned;
// whatever is not delivered stays queued for the next sync.
func autoSyncAfterMutation(ctx context.Context) {
	if !autoSyncEnabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Sync.FlushTimeout)
	defer cancel()

	eng, err := openEngine(ctx, engineOptions{})
	if err != nil {
		logger.Debug("autosync: open", "err", err)
		return
	}
	defer eng.Close()

	res, err := eng.Flush(ctx)
	switch {
	case err != nil:
		logger.Debug("autosync: flush", "err", err)
	case res.Err != nil:
		logger.Debug("autosync: push", "err", res.Err, "remaining", res.Remaining)
	case res.Sent > 0:
		logger.Debug("autosync: pushed", "mutations", res.Sent)
	}
}

// engineOptions are the per-command knobs of openEngine.
type engineOptions struct {
	Live       bool
	Registerer prometheus.Registerer
}

// openEngine opens the dataset named by the loaded configuration, with a
// remote store when a sync URL is configured.
func openEngine(ctx context.Context, opts engineOptions) (*engine.Engine, error) {
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	deviceID, err := config.DeviceID(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	ec := engine.Config{
		DataDir:       cfg.DataDir,
		DeviceID:      deviceID,
		Actor:         cfg.Actor,
		Live:          opts.Live,
		Offline:       cfg.Sync.Offline,
		SyncInterval:  cfg.Sync.Interval,
		ProbeInterval: cfg.Sync.ProbeInterval,
		Logger:        logger,
		Registerer:    opts.Registerer,
	}
	if cfg.Sync.Enabled() {
		ec.Remote = syncclient.New(cfg.Sync.URL, cfg.Sync.Tenant, cfg.Sync.APIKey, deviceID)
	}
	return engine.Open(ctx, ec)
}
