// Command quill is a crash-safe voice recorder: it captures microphone
// audio into fixed-duration encoded bursts, persists each burst
// transactionally, and transcribes finished sessions with whisper.cpp in the
// background. Sessions interrupted by a crash are recovered at the next
// startup.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/quillaudio/quill/internal/capture"
	"github.com/quillaudio/quill/internal/config"
	"github.com/quillaudio/quill/internal/health"
	"github.com/quillaudio/quill/internal/observe"
	"github.com/quillaudio/quill/internal/recorder"
	"github.com/quillaudio/quill/internal/store"
	"github.com/quillaudio/quill/internal/transcribe"
	paudio "github.com/quillaudio/quill/pkg/audio/portaudio"
	"github.com/quillaudio/quill/pkg/engine"
	"github.com/quillaudio/quill/pkg/engine/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "quill.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "quill: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "quill: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("quill starting",
		"config", *configPath,
		"data_dir", cfg.Server.DataDir,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "quill"})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		slog.Error("failed to create data directory", "path", cfg.Server.DataDir, "err", err)
		return 1
	}

	st, err := store.Open(cfg.Server.DatabasePath)
	if err != nil {
		slog.Error("failed to open store", "path", cfg.Server.DatabasePath, "err", err)
		return 1
	}
	defer st.Close()

	// The inference engine is optional: without a model, recordings are
	// still captured and persisted, and transcription marks them failed.
	var eng engine.Engine
	var whisperEngine *whisper.Engine
	if cfg.Model.Path != "" {
		whisperEngine, err = whisper.New(cfg.Model.Path, whisper.WithLanguage(cfg.Model.Language))
		if err != nil {
			slog.Warn("inference engine unavailable; sessions will not be transcribed",
				"model", cfg.Model.Path, "err", err)
		} else {
			eng = whisperEngine
			defer whisperEngine.Close()
			slog.Info("model loaded", "path", cfg.Model.Path, "language", cfg.Model.Language)
		}
	} else {
		slog.Warn("no model configured; sessions will not be transcribed")
	}

	capEng, err := capture.New(paudio.New(), cfg.Audio.SampleRate, cfg.Audio.Channels,
		capture.WithBurstDuration(cfg.Audio.BurstDuration.Std()))
	if err != nil {
		slog.Error("failed to create capture engine", "err", err)
		return 1
	}
	adapter, err := transcribe.New(st, eng, transcribe.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to create transcription adapter", "err", err)
		return 1
	}
	rec, err := recorder.New(st, capEng, adapter, cfg.Server.DataDir, recorder.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to create recorder", "err", err)
		return 1
	}

	// Crash recovery runs before the first start is accepted.
	if err := rec.Recover(ctx); err != nil {
		slog.Error("crash recovery failed", "err", err)
		return 1
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Server.MetricsAddr, st, cfg.Server.DataDir)
		})
	}
	g.Go(func() error {
		return console(ctx, rec)
	})

	slog.Info("quill ready; type 'help' for commands, Ctrl+C to quit")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// Let any in-flight transcription land before closing the store.
	rec.Stop(context.Background(), nil, nil)
	rec.Wait()
	slog.Info("goodbye")
	return 0
}

// serveMetrics runs the /metrics, /healthz, and /readyz listener until ctx
// is cancelled.
func serveMetrics(ctx context.Context, addr string, st *store.Store, dataDir string) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(health.Database(st), health.Scratch(dataDir)).Register(mux)

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("metrics listener started", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("metrics listener: %w", err)
	}
}

// console is the interactive command loop on stdin.
func console(ctx context.Context, rec *recorder.Recorder) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := dispatch(ctx, rec, strings.Fields(line)); err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}

func dispatch(ctx context.Context, rec *recorder.Recorder, args []string) error {
	if len(args) == 0 {
		return nil
	}
	switch args[0] {
	case "start":
		id, err := rec.Start(ctx, nil)
		if err != nil {
			return err
		}
		fmt.Println("recording session", id)
	case "stop":
		rec.Stop(ctx,
			func(p float64) { fmt.Printf("\rtranscribing… %3.0f%%", p*100) },
			func(sessionID, transcript string, ok bool) {
				fmt.Println()
				if !ok {
					fmt.Println("session", sessionID, "produced no transcript")
					return
				}
				fmt.Printf("session %s:\n%s\n", sessionID, transcript)
			})
	case "level":
		fmt.Printf("level: %.3f  bursts: %d\n", rec.Level(), rec.BurstCount())
	case "list":
		sessions, err := rec.Sessions(ctx)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Printf("%s  %-12s  %6.1fs  %s\n",
				s.ID, s.Status, float64(s.DurationMS)/1000, s.CreatedAt.Format(time.RFC3339))
		}
	case "show":
		if len(args) < 2 {
			return errors.New("usage: show <session-id>")
		}
		s, err := rec.Session(ctx, args[1])
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("no such session %q", args[1])
		}
		fmt.Printf("%s  %s\n%s\n", s.ID, s.Status, s.Transcript)
	case "delete":
		if len(args) < 2 {
			return errors.New("usage: delete <session-id>")
		}
		return rec.Delete(ctx, args[1])
	case "help":
		fmt.Println("commands: start | stop | level | list | show <id> | delete <id> | help")
	default:
		return fmt.Errorf("unknown command %q (try 'help')", args[0])
	}
	return nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
