package checkpointcams

import (
	"fmt"
	"slices"
)

// Coordinate is a WGS84 position.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Checkpoint is a named location watched by a single traffic camera.
type Checkpoint struct {
	Name       string
	CameraID   string
	Coordinate Coordinate
}

// Registry is the immutable, ordered set of configured checkpoints. It is safe
// for concurrent use.
type Registry struct {
	checkpoints []Checkpoint
	byName      map[string]int
}

// NewRegistry builds a registry preserving the given order. Names must be
// unique and names and camera IDs non-empty.
func NewRegistry(checkpoints ...Checkpoint) (*Registry, error) {
	r := &Registry{
		checkpoints: make([]Checkpoint, 0, len(checkpoints)),
		byName:      make(map[string]int, len(checkpoints)),
	}

	for _, cp := range checkpoints {
		if cp.Name == "" {
			return nil, fmt.Errorf("checkpoint with camera id %q has no name", cp.CameraID)
		}
		if cp.CameraID == "" {
			return nil, fmt.Errorf("checkpoint %q has no camera id", cp.Name)
		}
		if _, dup := r.byName[cp.Name]; dup {
			return nil, fmt.Errorf("duplicate checkpoint %q", cp.Name)
		}

		r.byName[cp.Name] = len(r.checkpoints)
		r.checkpoints = append(r.checkpoints, cp)
	}

	return r, nil
}

// DefaultRegistry returns the land checkpoints between Singapore and Johor.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		Checkpoint{Name: "Second Link at Tuas", CameraID: "4703", Coordinate: Coordinate{Lat: 1.3399, Lon: 103.6330}},
		Checkpoint{Name: "Tuas Checkpoint", CameraID: "4713", Coordinate: Coordinate{Lat: 1.3479, Lon: 103.6403}},
		Checkpoint{Name: "Woodlands Causeway (Towards Johor)", CameraID: "2701", Coordinate: Coordinate{Lat: 1.4447, Lon: 103.7706}},
		Checkpoint{Name: "Woodlands Checkpoint (Towards BKE)", CameraID: "2702", Coordinate: Coordinate{Lat: 1.4430, Lon: 103.7697}},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// All returns the checkpoints in configuration order.
func (r *Registry) All() []Checkpoint {
	return slices.Clone(r.checkpoints)
}

// Names returns the checkpoint names in configuration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.checkpoints))
	for i, cp := range r.checkpoints {
		names[i] = cp.Name
	}
	return names
}

func (r *Registry) Lookup(name string) (Checkpoint, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Checkpoint{}, false
	}
	return r.checkpoints[i], true
}

func (r *Registry) CoordinateOf(name string) (Coordinate, bool) {
	cp, ok := r.Lookup(name)
	return cp.Coordinate, ok
}

func (r *Registry) Len() int {
	return len(r.checkpoints)
}
