package palette

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Unlabeled is the class index both presets reserve for unlabeled pixels.
const Unlabeled = 11

// CityScapes is the 11 class + unlabeled table for models trained on CityScapes.
var CityScapes = MustNew("cityscapes", []RGB{
	{255, 0, 0},
	{70, 70, 70},
	{0, 0, 142},
	{153, 153, 153},
	{190, 153, 153},
	{220, 20, 60},
	{128, 64, 128},
	{244, 35, 232},
	{220, 220, 0},
	{70, 130, 180},
	{107, 142, 35},
	{0, 0, 0},
}, []string{
	"bicyclist", "building", "car", "pole", "fence", "pedestrian",
	"road", "sidewalk", "sign", "sky", "vegetation", "unlabeled",
})

// CamVid is the 11 class + unlabeled table for models trained on CamVid.
var CamVid = MustNew("camvid", []RGB{
	{0, 128, 192},
	{128, 0, 0},
	{64, 0, 128},
	{192, 192, 128},
	{64, 64, 128},
	{64, 64, 0},
	{128, 64, 128},
	{0, 0, 192},
	{192, 128, 128},
	{128, 128, 128},
	{192, 192, 0},
	{0, 0, 0},
}, []string{
	"bicyclist", "building", "car", "pole", "fence", "pedestrian",
	"road", "sidewalk", "sign", "sky", "tree", "unlabeled",
})

var presets = map[string]Table{
	CityScapes.Name(): CityScapes,
	CamVid.Name():     CamVid,
}

// Lookup returns a preset table by name, case-insensitively.
func Lookup(name string) (Table, error) {
	t, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Table{}, errors.Errorf("palette: unknown preset %q (known: %s)", name, strings.Join(Presets(), ", "))
	}
	return t, nil
}

// Presets returns the names of the built-in tables.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
