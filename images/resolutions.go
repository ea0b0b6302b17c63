// Package images - Display resolutions for presenting segmentation frames.
package images

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// AspectRatio represents an aspect ratio by name (e.g., "16:9").
type AspectRatio string

// Defines common display aspect ratios.
const (
	AspectRatio169 AspectRatio = "16:9"
	AspectRatio43  AspectRatio = "4:3"
	AspectRatio54  AspectRatio = "5:4"
	AspectRatio32  AspectRatio = "3:2"
)

// ResolutionType is the common name of a resolution.
type ResolutionType string

// Defines the supported display resolutions.
const (
	ResolutionTypeNHD      ResolutionType = "nHD"
	ResolutionTypeFWVGA    ResolutionType = "FWVGA"
	ResolutionTypeQHD540   ResolutionType = "qHD 540p"
	ResolutionTypeHD720p   ResolutionType = "HD 720p"
	ResolutionTypeWXGA     ResolutionType = "WXGA"
	ResolutionTypeHDPlus   ResolutionType = "HD+"
	ResolutionType1MP54    ResolutionType = "1MP (5:4)"
	ResolutionTypeFHD1080p ResolutionType = "Full HD 1080p"
	ResolutionType2MP43    ResolutionType = "2MP (4:3)"
	ResolutionTypeQHD1440p ResolutionType = "QHD 1440p"
	ResolutionType6MP32    ResolutionType = "6MP (3:2)"
	ResolutionType4KUHD    ResolutionType = "4K UHD"
)

// Resolution is a named display size.
type Resolution struct {
	Name        ResolutionType `json:"name"`
	AspectRatio AspectRatio    `json:"aspectRatio"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
}

// MegaPixels returns the pixel count in millions, rounded to two decimals.
func (r Resolution) MegaPixels() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return math.Round(float64(r.Width*r.Height)/1e4) / 100
}

// String returns a human-readable summary of the resolution.
func (r Resolution) String() string {
	return fmt.Sprintf("%s (%dx%d, %.2fMP)", r.Name, r.Width, r.Height, r.MegaPixels())
}

// resolutions is ordered by pixel count.
var resolutions = []Resolution{
	{ResolutionTypeNHD, AspectRatio169, 640, 360},
	{ResolutionTypeFWVGA, AspectRatio169, 854, 480},
	{ResolutionTypeQHD540, AspectRatio169, 960, 540},
	{ResolutionTypeHD720p, AspectRatio169, 1280, 720},
	{ResolutionTypeWXGA, AspectRatio169, 1366, 768},
	{ResolutionType1MP54, AspectRatio54, 1280, 1024},
	{ResolutionTypeHDPlus, AspectRatio169, 1600, 900},
	{ResolutionType2MP43, AspectRatio43, 1600, 1200},
	{ResolutionTypeFHD1080p, AspectRatio169, 1920, 1080},
	{ResolutionTypeQHD1440p, AspectRatio169, 2560, 1440},
	{ResolutionType6MP32, AspectRatio32, 3072, 2048},
	{ResolutionType4KUHD, AspectRatio169, 3840, 2160},
}

// Resolutions returns every known resolution, smallest first.
func Resolutions() []Resolution {
	return append([]Resolution(nil), resolutions...)
}

// LookupResolution finds a resolution by name, ignoring case.
func LookupResolution(name string) (Resolution, error) {
	for _, r := range resolutions {
		if strings.EqualFold(string(r.Name), strings.TrimSpace(name)) {
			return r, nil
		}
	}
	return Resolution{}, errors.Errorf("unknown resolution %q", name)
}

// HighestResolutionWithin returns the largest resolution that fits inside
// width x height.
//
// Arguments:
//   - width: The maximum possible width.
//   - height: The maximum possible height.
//
// Returns:
//   - Resolution: The largest fitting resolution.
//   - bool: False when none fits.
func HighestResolutionWithin(width, height int) (Resolution, bool) {
	var best Resolution
	found := false
	for _, r := range resolutions {
		if r.Width <= width && r.Height <= height && (!found || r.Width*r.Height > best.Width*best.Height) {
			best, found = r, true
		}
	}
	return best, found
}

// FitWithin scales a width x height frame to the largest size that fits
// inside r without changing its aspect ratio. Both results are at least 1.
func FitWithin(width, height int, r Resolution) (int, int) {
	if width <= 0 || height <= 0 {
		return 0, 0
	}
	scale := math.Min(float64(r.Width)/float64(width), float64(r.Height)/float64(height))
	w := int(math.Floor(float64(width) * scale))
	h := int(math.Floor(float64(height) * scale))
	return max(w, 1), max(h, 1)
}
