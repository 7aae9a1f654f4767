package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPayload_ScanValue(t *testing.T) {
	in := Payload{
		"entity_id": "5d2c",
		"start":     float64(5),
		"qualities": []any{"240p", "480p"},
		"tags":      map[string]any{"duration": "30"},
	}

	v, err := in.Value()
	require.NoError(t, err)

	var out Payload
	require.NoError(t, out.Scan(v))
	require.Equal(t, in, out)

	var empty Payload
	require.NoError(t, empty.Scan(nil))
	require.NotNil(t, empty)
	require.Len(t, empty, 0)

	require.Error(t, empty.Scan(42))
}

func TestPayload_Merge(t *testing.T) {
	base := Payload{"entity_id": "a", "key": "master.mp4"}
	extra := Payload{"key": "other.mp4", "gap": 10}

	merged := base.Merge(extra)
	require.Equal(t, "other.mp4", merged["key"])
	require.Equal(t, "a", merged["entity_id"])
	require.Equal(t, 10, merged["gap"])
	require.Equal(t, "master.mp4", base["key"], "merge must not mutate the receiver")
}

func TestPayload_Accessors(t *testing.T) {
	p, err := Payload{
		"gap":       10,
		"qualities": []string{"240p"},
		"name":      "clip",
	}.Clone()
	require.NoError(t, err)

	gap, ok := p.Float("gap")
	require.True(t, ok)
	require.Equal(t, 10.0, gap)

	qs, ok := p.Strings("qualities")
	require.True(t, ok)
	require.Equal(t, []string{"240p"}, qs)

	name, ok := p.String("name")
	require.True(t, ok)
	require.Equal(t, "clip", name)

	_, ok = p.Float("name")
	require.False(t, ok)
}
