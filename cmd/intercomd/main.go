// Command intercomd is the voice-intercom daemon: it wires PeerLink,
// AudioPipeline, and CallEngine together, serves the control socket, and
// runs until interrupted.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"intercomd/internal/audiopipeline"
	"intercomd/internal/callengine"
	"intercomd/internal/config"
	"intercomd/internal/control"
	"intercomd/internal/peerlink"
	"intercomd/internal/settings"
)

// nullSink is the seam where a platform playback driver plugs in. Audio
// I/O drivers are an external collaborator referenced only by interface
// (spec.md §1 Non-goals); this discards played audio so the daemon runs
// standalone for development and testing.
type nullSink struct{ logger *slog.Logger }

func (s nullSink) Start() error      { s.logger.Debug("playback sink started"); return nil }
func (s nullSink) Stop() error       { s.logger.Debug("playback sink stopped"); return nil }
func (s nullSink) Play([]byte) error { return nil }
func (s nullSink) SetVolume(float64) {}

func main() {
	var configPath string
	var listenPort int
	pflag.StringVar(&configPath, "config", "config.yaml", "path to daemon configuration file")
	pflag.IntVar(&listenPort, "listen", 0, "override the configured listening port (0 = use config)")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("config error", "error", err)
		os.Exit(1)
	}
	if listenPort != 0 {
		cfg.ListenPort = listenPort
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	store, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		logger.Error("settings load failed", "error", err)
		os.Exit(1)
	}
	store.OnSaveError(func(err error) {
		logger.Warn("settings save failed", "error", err)
	})

	contacts := config.NewContactBook(cfg.Contacts)

	link := peerlink.New()
	rec := store.Get()
	audioCfg := audiopipeline.Config{
		AECEnabled: cfg.AECEnabled && rec.Flags&settings.FlagAECEnabled != 0,
		RefDelayMs: cfg.RefDelayMs,
	}
	sink := nullSink{logger: logger}

	engine := callengine.New(callengine.Config{
		Port:             cfg.ListenPort,
		LocalName:        cfg.LocalName,
		AutoAnswer:       cfg.AutoAnswer,
		RingingTimeoutMs: cfg.RingingTimeoutMs,
		PingIntervalMs:   cfg.PingIntervalMs,
		ConnectTimeout:   cfg.ConnectTimeout,
	}, link, audioCfg, sink, logger.With("component", "callengine"))
	engine.Pipeline().SetVolume(float64(rec.VolumePct) / 100)
	engine.Pipeline().SetMicGainDB(float64(rec.MicGainDB))

	go logEvents(ctx, engine, logger)

	ctrl := control.New(cfg.ControlSocket, engine, store, contacts, logger.With("component", "control"))
	go func() {
		if err := ctrl.Serve(ctx); err != nil {
			logger.Error("control server stopped with error", "error", err)
		}
	}()

	logger.Info("intercomd starting", "listen_port", cfg.ListenPort, "control_socket", cfg.ControlSocket)
	err = engine.Run(ctx)

	logger.Info("shutting down")
	if flushErr := store.Flush(); flushErr != nil {
		logger.Warn("settings flush on shutdown failed", "error", flushErr)
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("call engine stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func logEvents(ctx context.Context, engine *callengine.CallEngine, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-engine.Events():
			logger.Info("call event", "kind", ev.Kind.String(), "state", ev.State.String(), "reason", ev.Reason.String(), "caller", ev.CallerName)
		}
	}
}
