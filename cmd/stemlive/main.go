// Command stemlive runs the live stem-separation pipeline: it captures
// PCM audio, separates it into stems, applies per-stem pitch and tempo
// shifting, and mixes the result back to an output, optionally exposing
// an HTTP control surface.
//
// Usage:
//
//	stemlive [flags]
//
// Examples:
//
//	stemlive
//	stemlive -stems 2 -key -2
//	stemlive -in song.pcm -out shifted.pcm -tempo 0.8
//	stemlive -http localhost:8080
//	stemlive -config ~/.stemliverc -model bands-5stem-v1
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/cockroachdb/errors"

	"github.com/cwbudde/stemlive/audio"
	"github.com/cwbudde/stemlive/config"
	"github.com/cwbudde/stemlive/device"
	"github.com/cwbudde/stemlive/model"
	"github.com/cwbudde/stemlive/pipeline"
	"github.com/cwbudde/stemlive/separate"
	"github.com/cwbudde/stemlive/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stemlive:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "configuration file (default ~/.stemliverc, then /etc/stemlive/config.yaml)")
		modelID    = flag.String("model", "", "separation model id (built-in or from -model-dir)")
		modelDir   = flag.String("model-dir", "", "directory of model definitions")
		stems      = flag.Int("stems", 0, "fallback stem count: 2, 4, or 5")
		input      = flag.String("in", "", `input: "device" or a raw S16LE PCM file`)
		output     = flag.String("out", "", `output: "device" or a raw S16LE PCM file`)
		key        = flag.Int("key", 0, "initial key shift in semitones")
		tempo      = flag.Float64("tempo", 0, "initial tempo factor")
		httpAddr   = flag.String("http", "", "serve the control API on this address")
		duration   = flag.Duration("duration", 0, "stop the session after this long (0 = run until interrupted)")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logger := &log.Logger{Handler: cli.New(os.Stderr), Level: log.InfoLevel}
	if *verbose {
		logger.Level = log.DebugLevel
	}

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, *modelID, *modelDir, *stems, *input, *output, *key, *tempo, *httpAddr)
	if err := cfg.Validate(); err != nil {
		return err
	}

	handle := loadModel(logger, cfg)

	engine, err := separate.New(separate.Config{
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
		Model:         handle,
		FallbackStems: cfg.Model.Stems,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ctl, err := pipeline.New(pipeline.Options{
		OpenSource:   sourceOpener(cfg),
		OpenSink:     sinkOpener(cfg),
		Separator:    engine,
		SampleRate:   cfg.Audio.SampleRate,
		Channels:     cfg.Audio.Channels,
		ChunkSeconds: cfg.Audio.ChunkSeconds,
		QueueDepth:   cfg.Audio.QueueDepth,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if cfg.Mix.KeyShift != 0 {
		if err := ctl.SetKeyShift(cfg.Mix.KeyShift); err != nil {
			return err
		}
	}
	if cfg.Mix.TempoFactor != 1 {
		if err := ctl.SetTempoFactor(cfg.Mix.TempoFactor); err != nil {
			return err
		}
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(ctl, logger)
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		go func() {
			if err := srv.Serve(addr); err != nil {
				logger.WithError(err).Error("control server failed")
			}
		}()
		logger.WithField("addr", addr).Info("control server listening")
	}

	if err := ctl.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		ctl.Wait()
		close(done)
	}()

	var deadline <-chan time.Time
	if *duration > 0 {
		timer := time.NewTimer(*duration)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-sigCh:
		logger.Info("interrupt, stopping session")
		if err := ctl.Stop(); err != nil {
			return err
		}
	case <-deadline:
		logger.Info("duration elapsed, stopping session")
		if err := ctl.Stop(); err != nil {
			return err
		}
	case <-done:
	}

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return ctl.LastError()
}

// applyFlags lets command-line flags override the file configuration.
func applyFlags(cfg *config.Config, modelID, modelDir string, stems int, input, output string, key int, tempo float64, httpAddr string) {
	if modelID != "" {
		cfg.Model.ID = modelID
	}
	if modelDir != "" {
		cfg.Model.Dir = modelDir
	}
	if stems != 0 {
		cfg.Model.Stems = stems
	}
	if input != "" {
		cfg.Audio.Input = input
	}
	if output != "" {
		cfg.Audio.Output = output
	}
	if key != 0 {
		cfg.Mix.KeyShift = key
	}
	if tempo != 0 {
		cfg.Mix.TempoFactor = tempo
	}
	if httpAddr != "" {
		cfg.Server.Enabled = true
		if host, port, ok := splitHostPort(httpAddr); ok {
			cfg.Server.Host = host
			cfg.Server.Port = port
		}
	}
}

func splitHostPort(addr string) (string, int, bool) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port := 0
			if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil {
				return "", 0, false
			}
			return addr[:i], port, true
		}
	}
	return "", 0, false
}

// loadModel resolves the model id against the definition directory and
// the built-in catalog. Absence is tolerated: the engine runs its
// band-split fallback instead.
func loadModel(logger log.Interface, cfg *config.Config) model.Handle {
	id := cfg.Model.ID
	if id == "" {
		return nil
	}
	if cfg.Model.Dir != "" {
		h, err := model.NewProvider(cfg.Model.Dir).Load(id)
		if err == nil {
			logger.WithField("model", h.Name()).Info("model loaded")
			return h
		}
		if !errors.Is(err, model.ErrNotFound) {
			logger.WithError(err).Warn("model load failed, trying built-ins")
		}
	}
	h, err := model.Builtin(id)
	if err != nil {
		logger.WithError(err).WithField("model", id).Warn("no usable model, running degraded fallback")
		return nil
	}
	return h
}

// sourceOpener and sinkOpener defer endpoint acquisition to session
// start, so a restart over the control API gets fresh handles.
func sourceOpener(cfg *config.Config) func() (audio.CaptureSource, error) {
	return func() (audio.CaptureSource, error) {
		if cfg.Audio.Input == "device" {
			return device.NewCapture(cfg.Audio.SampleRate, cfg.Audio.Channels)
		}
		return device.NewFileSource(cfg.Audio.Input)
	}
}

func sinkOpener(cfg *config.Config) func() (audio.OutputSink, error) {
	return func() (audio.OutputSink, error) {
		if cfg.Audio.Output == "device" {
			return device.NewPlayback(cfg.Audio.SampleRate, cfg.Audio.Channels)
		}
		return device.NewFileSink(cfg.Audio.Output)
	}
}
