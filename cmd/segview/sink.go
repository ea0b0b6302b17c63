package main

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-segmentation/colorize"
	"github.com/nvr-ai/go-segmentation/images"
)

// displaySink shows frames in a gocv window and optionally writes each one
// to a PNG file. It must run on the main goroutine when a window is open.
type displaySink struct {
	window    *gocv.Window
	target    *images.Resolution
	outputDir string
	written   int
}

func newDisplaySink(title string, window bool, target *images.Resolution, outputDir string) *displaySink {
	s := &displaySink{target: target, outputDir: outputDir}
	if window {
		s.window = gocv.NewWindow(title)
	}
	return s
}

// Show implements pipeline.Sink. f is recycled once Show returns.
func (s *displaySink) Show(f *colorize.Frame) error {
	if s.target != nil {
		w, h := images.FitWithin(f.Width, f.Height, *s.target)
		scaled, err := f.Scale(w, h)
		if err != nil {
			return err
		}
		f = scaled
	}

	rgba, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC4, f.Pix)
	if err != nil {
		return errors.Wrap(err, "wrap frame")
	}
	defer rgba.Close()
	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgba, &bgr, gocv.ColorRGBAToBGR)

	if s.window != nil {
		s.window.IMShow(bgr)
		s.window.WaitKey(1)
	}
	if s.outputDir != "" {
		path := filepath.Join(s.outputDir, fmt.Sprintf("frame-%06d.png", s.written))
		if !gocv.IMWrite(path, bgr) {
			return errors.Errorf("write %s", path)
		}
		s.written++
	}
	return nil
}

// writeLegend saves the palette swatch strip next to the frames.
func writeLegend(f *colorize.Frame, dir string) error {
	rgba, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC4, f.Pix)
	if err != nil {
		return errors.Wrap(err, "wrap legend")
	}
	defer rgba.Close()
	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgba, &bgr, gocv.ColorRGBAToBGR)

	path := filepath.Join(dir, "legend.png")
	if !gocv.IMWrite(path, bgr) {
		return errors.Errorf("write %s", path)
	}
	return nil
}

func (s *displaySink) Close() {
	if s.window != nil {
		s.window.Close()
	}
}
