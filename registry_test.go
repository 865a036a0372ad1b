package checkpointcams

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name        string
		checkpoints []Checkpoint
		wantErr     bool
	}{
		{name: "empty registry is valid"},
		{
			name: "valid checkpoints",
			checkpoints: []Checkpoint{
				{Name: "A", CameraID: "1"},
				{Name: "B", CameraID: "2"},
			},
		},
		{
			name:        "missing name",
			checkpoints: []Checkpoint{{CameraID: "1"}},
			wantErr:     true,
		},
		{
			name:        "missing camera id",
			checkpoints: []Checkpoint{{Name: "A"}},
			wantErr:     true,
		},
		{
			name: "duplicate name",
			checkpoints: []Checkpoint{
				{Name: "A", CameraID: "1"},
				{Name: "A", CameraID: "2"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRegistry(tt.checkpoints...)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, r)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.checkpoints), r.Len())
		})
	}
}

func TestRegistryLookups(t *testing.T) {
	r, err := NewRegistry(
		Checkpoint{Name: "Woodlands", CameraID: "2701", Coordinate: Coordinate{Lat: 1.4447, Lon: 103.7706}},
		Checkpoint{Name: "Tuas", CameraID: "4713", Coordinate: Coordinate{Lat: 1.3479, Lon: 103.6403}},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"Woodlands", "Tuas"}, r.Names())

	cp, ok := r.Lookup("Tuas")
	require.True(t, ok)
	assert.Equal(t, "4713", cp.CameraID)

	coord, ok := r.CoordinateOf("Woodlands")
	require.True(t, ok)
	assert.Equal(t, Coordinate{Lat: 1.4447, Lon: 103.7706}, coord)

	_, ok = r.CoordinateOf("Johor")
	assert.False(t, ok)

	all := r.All()
	all[0].Name = "mutated"
	assert.Equal(t, "Woodlands", r.Names()[0])
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	assert.Equal(t, []string{
		"Second Link at Tuas",
		"Tuas Checkpoint",
		"Woodlands Causeway (Towards Johor)",
		"Woodlands Checkpoint (Towards BKE)",
	}, r.Names())

	cp, ok := r.Lookup("Woodlands Checkpoint (Towards BKE)")
	require.True(t, ok)
	assert.Equal(t, "2702", cp.CameraID)
}
