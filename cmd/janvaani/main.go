package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harunnryd/janvaani/pkg/call"
	"github.com/harunnryd/janvaani/pkg/config"
	"github.com/harunnryd/janvaani/pkg/live"
	"github.com/harunnryd/janvaani/pkg/logging"
	"github.com/harunnryd/janvaani/pkg/media"
	"github.com/harunnryd/janvaani/pkg/media/portaudio"
	"github.com/harunnryd/janvaani/pkg/playback"
	"github.com/harunnryd/janvaani/pkg/presenter"
	"github.com/harunnryd/janvaani/pkg/redact"
	"github.com/harunnryd/janvaani/pkg/resilience"
	"github.com/harunnryd/janvaani/pkg/runner"
	"github.com/harunnryd/janvaani/pkg/transports"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	noBanner := flag.Bool("no-banner", false, "skip the startup banner")
	flag.Parse()

	if err := run(*configPath, !*noBanner); err != nil {
		fmt.Fprintln(os.Stderr, "janvaani:", err)
		os.Exit(1)
	}
}

func run(configPath string, banner bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	redact.SetEnabled(cfg.Privacy.Redact)
	base := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	log := logging.NewComponentLogger(base, "main")

	registry := transports.NewRegistry()
	registerTransports(registry)
	dialer, err := registry.Build(cfg.Transport.Provider, cfg.TransportSettings())
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	observer, closeObserver, err := buildObserver(cfg.Observability, logging.NewComponentLogger(base, "metrics"))
	if err != nil {
		return err
	}
	defer closeObserver()

	scheduler, mixer := playback.NewEngine(cfg.Session.OutputRate)
	speaker, err := portaudio.OpenSpeaker(mixer.Rate(), mixer.Render)
	if err != nil {
		log.Warn("speaker_unavailable", slog.String("error", err.Error()))
		headlessCtx, stopHeadless := context.WithCancel(context.Background())
		defer stopHeadless()
		go mixer.RunHeadless(headlessCtx, 20*time.Millisecond)
	} else {
		defer func() {
			if err := speaker.Close(); err != nil {
				log.Warn("speaker_close_failed", slog.String("error", err.Error()))
			}
		}()
	}

	client := live.NewClient(live.Options{
		Dialer:    dialer,
		Scheduler: scheduler,
		Setup: transports.Setup{
			Model:             cfg.Session.Model,
			Voice:             cfg.Session.Voice,
			SystemInstruction: cfg.Session.SystemPrompt,
			InputRate:         cfg.Session.InputRate,
		},
		OutputRate:     cfg.Session.OutputRate,
		SendBuffer:     cfg.Session.SendBuffer,
		ConnectTimeout: cfg.Call.ConnectTimeout(),
		Retry:          resilience.NewRetryPolicy(cfg.Resilience.Retries, cfg.Resilience.Backoff()),
		Breaker:        resilience.NewCircuitBreaker(cfg.Resilience.BreakerThreshold, cfg.Resilience.BreakerCooldown()),
		Observer:       observer,
		Logger:         logging.NewComponentLogger(base, "live_client"),
	})

	controller := call.New(call.Options{
		Client:  client,
		Devices: portaudio.NewDevices(cfg.Audio.InputDevice),
		Constraints: media.Constraints{
			SampleRate: cfg.Session.InputRate,
			ChunkSize:  cfg.Session.ChunkSize,
		},
		SettleDelay:    cfg.Call.SettleDelay(),
		AcquireTimeout: cfg.Call.AcquireTimeout(),
		CloseTimeout:   cfg.Call.CloseTimeout(),
		Observer:       observer,
		Logger:         logging.NewComponentLogger(base, "call_controller"),
	})

	term := presenter.NewTerminal(controller, os.Stdin, os.Stdout, presenter.TerminalOptions{
		Level: mixer.Level,
		ANSI:  true,
	})

	var lc *runner.LifecycleRunner
	lc = runner.NewLifecycleRunner(controller, runner.Hooks{
		OnStart: func(ctx context.Context) error {
			attrs := []any{
				slog.String("transport", dialer.Name()),
				slog.Int("input_rate", cfg.Session.InputRate),
				slog.Int("output_rate", mixer.Rate()),
			}
			if rr, ok := dialer.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					attrs = append(attrs, slog.Any(k, v))
				}
			}
			log.Info("janvaani_ready", attrs...)
			go func() {
				if err := term.Run(ctx); err != nil {
					log.Error("terminal_failed", slog.String("error", err.Error()))
				}
				_ = lc.Stop()
			}()
			return nil
		},
		OnStop: func() {
			log.Info("janvaani_stopped", slog.Int("audio_pending", scheduler.Pending()))
		},
	}, cfg.Call.CloseTimeout()+time.Second)
	if banner {
		lc.BannerOut = os.Stderr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return lc.Run(ctx)
}
