// Command segview replays recorded segmentation model outputs through the
// post-processing pipeline and shows the colorized frames.
//
// Usage:
//
//	segview -file config.yaml
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-segmentation/colorize"
	"github.com/nvr-ai/go-segmentation/config"
	"github.com/nvr-ai/go-segmentation/images"
	"github.com/nvr-ai/go-segmentation/logger"
	"github.com/nvr-ai/go-segmentation/pipeline"
	"github.com/nvr-ai/go-segmentation/probs"
	"github.com/nvr-ai/go-segmentation/util"
)

func main() {
	path, err := config.ParseConfigFlag(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	cfg, err := config.Load(path)
	if err != nil {
		zap.NewExample().Fatal("load config", zap.String("file", path), zap.Error(err))
	}

	log := logger.New(cfg.Debug)
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("segview stopped", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	layout, err := probs.ParseLayout(cfg.Input.Layout)
	if err != nil {
		return err
	}
	files, err := util.ListTensorFiles(cfg.Input.Dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Errorf("no tensor files in %s", cfg.Input.Dir)
	}

	p, prof, err := pipeline.FromConfig(cfg, log)
	if err != nil {
		return err
	}
	defer p.Close()
	if prof != nil {
		prof.Start()
		defer prof.Stop()
	}

	var target *images.Resolution
	if cfg.Display.Resolution != "" {
		r, err := images.LookupResolution(cfg.Display.Resolution)
		if err != nil {
			return err
		}
		target = &r
	}
	if cfg.Display.OutputDir != "" {
		if err := os.MkdirAll(cfg.Display.OutputDir, 0o755); err != nil {
			return errors.Wrap(err, "create output dir")
		}
		table, err := cfg.Colorize.Table()
		if err != nil {
			return err
		}
		legend, err := colorize.Legend(table, 24)
		if err != nil {
			return err
		}
		if err := writeLegend(legend, cfg.Display.OutputDir); err != nil {
			log.Warn("legend not written", zap.Error(err))
		}
	}

	sink := newDisplaySink(cfg.Display.Title, cfg.Display.Window, target, cfg.Display.OutputDir)
	defer sink.Close()
	presenter := pipeline.NewPresenter(sink, log)
	presenter.Recycle(p.ReleaseFrame)
	defer presenter.Stop()

	feedErr := make(chan error, 1)
	go func() {
		defer presenter.Finish()
		feedErr <- feed(ctx, p, presenter, files, layout, cfg.Input.Loop, log)
	}()

	// gocv windows belong to the main thread.
	runErr := presenter.Run(ctx)
	if err := <-feedErr; err != nil {
		return err
	}

	stats, shown := p.Stats(), presenter.Stats()
	log.Info("segview finished",
		zap.String("backend", string(p.Backend())),
		zap.Uint64("processed", stats.Processed),
		zap.Uint64("dropped", stats.Dropped),
		zap.Uint64("failed", stats.Failed),
		zap.Uint64("shown", shown.Shown),
		zap.Uint64("overwritten", shown.Overwritten),
	)
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// feed stands in for the inference engine: it loads each recorded tensor in
// frame order and submits it. Frames that fail to load or process are logged
// and skipped.
func feed(ctx context.Context, p *pipeline.Pipeline, presenter *pipeline.Presenter, files []util.TensorFile, layout probs.Layout, loop bool, log *zap.Logger) error {
	for {
		for _, f := range files {
			if ctx.Err() != nil {
				return nil
			}
			v, err := f.Load(layout)
			if err != nil {
				log.Warn("frame skipped", zap.String("file", f.Path), zap.Error(err))
				continue
			}
			res, err := p.Submit(ctx, v)
			switch {
			case errors.Is(err, context.Canceled):
				return nil
			case err != nil:
				// Already logged by the pipeline with its error class.
				continue
			}
			if ce := log.Check(zap.DebugLevel, "frame"); ce != nil {
				ce.Write(
					zap.Int("index", f.Frame),
					zap.Bool("fps_valid", res.FPSValid),
					zap.Float64("fps", res.FPS),
					zap.Ints("class_pixels", res.ClassMap.Histogram()),
				)
			}
			presenter.Present(res.Frame)
		}
		if !loop {
			return nil
		}
	}
}
