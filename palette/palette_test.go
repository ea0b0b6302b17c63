package palette

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCopiesColors(t *testing.T) {
	colors := []RGB{{0, 0, 0}, {1, 2, 3}}
	table, err := New("test", colors)
	require.NoError(t, err)

	colors[1] = RGB{9, 9, 9}
	c, ok := table.At(1)
	require.True(t, ok)
	assert.Equal(t, RGB{1, 2, 3}, c, "table must not alias the caller's slice")
}

func TestNewRejectsEmpty(t *testing.T) {
	_, err := New("empty", nil)
	assert.Error(t, err)

	_, err = NewLabeled("mismatch", []RGB{{}}, []string{"a", "b"})
	assert.Error(t, err)
}

func TestAtOutOfRange(t *testing.T) {
	table, err := New("test", []RGB{{1, 1, 1}})
	require.NoError(t, err)

	_, ok := table.At(1)
	assert.False(t, ok)
	_, ok = table.At(-1)
	assert.False(t, ok)
}

func TestPresets(t *testing.T) {
	for _, name := range Presets() {
		table, err := Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, 12, table.Len(), "%s should have 12 entries", name)

		unlabeled, ok := table.At(Unlabeled)
		require.True(t, ok)
		assert.Equal(t, RGB{0, 0, 0}, unlabeled)
		assert.Equal(t, "unlabeled", table.Label(Unlabeled))
	}

	_, err := Lookup("  CamVid ")
	assert.NoError(t, err)
	_, err = Lookup("ade20k")
	assert.Error(t, err)
}

func TestLegend(t *testing.T) {
	table, err := New("plain", []RGB{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)

	legend := table.Legend()
	require.Len(t, legend, 2)
	assert.Equal(t, "class-1", legend[1].Label)
	assert.Equal(t, color.RGBA{4, 5, 6, 255}, legend[1].Color.RGBA())
}
