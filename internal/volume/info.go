package volume

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/storage"
)

// InfoKey is the object holding volume metadata at the volume root.
const InfoKey = "info"

// Info is the neuroglancer precomputed metadata document.
type Info struct {
	Type        string   `json:"type"` // "image" | "segmentation"
	DataType    DataType `json:"data_type"`
	NumChannels int      `json:"num_channels"`
	Scales      []Scale  `json:"scales"`
	Mesh        string   `json:"mesh,omitempty"`
}

// Scale describes one mip level.
type Scale struct {
	Key         string      `json:"key"`
	Size        grid.Vec3   `json:"size"`
	Resolution  [3]float64  `json:"resolution"`
	ChunkSizes  []grid.Vec3 `json:"chunk_sizes"`
	Encoding    string      `json:"encoding"`
	VoxelOffset grid.Vec3   `json:"voxel_offset"`
}

// Geometry converts the info document into a VolumeGeometry. The first
// chunk size of each scale is used.
func (i *Info) Geometry() (grid.VolumeGeometry, error) {
	g := grid.VolumeGeometry{Levels: make([]grid.Level, 0, len(i.Scales))}
	for n, s := range i.Scales {
		if len(s.ChunkSizes) == 0 {
			return grid.VolumeGeometry{}, fmt.Errorf("%w: scale %d (%s) has no chunk size", grid.ErrInvalidGeometry, n, s.Key)
		}
		g.Levels = append(g.Levels, grid.Level{
			Key:        s.Key,
			Offset:     s.VoxelOffset,
			Extent:     s.Size,
			ChunkSize:  s.ChunkSizes[0],
			Resolution: s.Resolution,
		})
	}
	if err := g.Validate(); err != nil {
		return grid.VolumeGeometry{}, err
	}
	return g, nil
}

// Validate checks the fields the accessors depend on.
func (i *Info) Validate() error {
	if i.DataType.Size() == 0 {
		return fmt.Errorf("%w: unsupported data_type %q", grid.ErrInvalidGeometry, i.DataType)
	}
	if i.NumChannels < 1 {
		return fmt.Errorf("%w: num_channels %d", grid.ErrInvalidGeometry, i.NumChannels)
	}
	for _, s := range i.Scales {
		if s.Encoding != "" && s.Encoding != EncodingRaw {
			return fmt.Errorf("%w: scale %s encoding %q not supported", grid.ErrInvalidGeometry, s.Key, s.Encoding)
		}
	}
	_, err := i.Geometry()
	return err
}

// ScaleKey formats the conventional key for a resolution.
func ScaleKey(res [3]float64) string {
	return fmt.Sprintf("%g_%g_%g", res[0], res[1], res[2])
}

// Clone returns a deep copy.
func (i *Info) Clone() *Info {
	out := *i
	out.Scales = make([]Scale, len(i.Scales))
	for n, s := range i.Scales {
		s.ChunkSizes = append([]grid.Vec3(nil), s.ChunkSizes...)
		out.Scales[n] = s
	}
	return &out
}

// DeriveInfo returns a copy of src for a new volume with identical
// geometry, optionally overriding the encoding of every scale.
func DeriveInfo(src *Info, encoding string) *Info {
	out := src.Clone()
	if encoding != "" {
		for n := range out.Scales {
			out.Scales[n].Encoding = encoding
		}
	}
	return out
}

// AddScale appends the next mip level, downsampled by factor from the last
// scale. Size and offset are divided (size rounded up), resolution is
// multiplied and the chunk size is kept. It returns the index of the new
// level.
func (i *Info) AddScale(factor grid.Vec3) (int, error) {
	if len(i.Scales) == 0 {
		return 0, fmt.Errorf("%w: no scale to downsample", grid.ErrInvalidGeometry)
	}
	for _, f := range factor {
		if f < 1 {
			return 0, fmt.Errorf("%w: downsample factor %v", grid.ErrInvalidGeometry, factor)
		}
	}
	last := i.Scales[len(i.Scales)-1]
	next := Scale{
		ChunkSizes: append([]grid.Vec3(nil), last.ChunkSizes...),
		Encoding:   last.Encoding,
	}
	for a := 0; a < 3; a++ {
		next.Size[a] = (last.Size[a] + factor[a] - 1) / factor[a]
		next.VoxelOffset[a] = last.VoxelOffset[a] / factor[a]
		next.Resolution[a] = last.Resolution[a] * float64(factor[a])
	}
	next.Key = ScaleKey(next.Resolution)
	i.Scales = append(i.Scales, next)
	return len(i.Scales) - 1, nil
}

// LoadInfo reads and validates the info document of a volume.
func LoadInfo(ctx context.Context, store storage.Store) (*Info, error) {
	data, err := store.Get(ctx, InfoKey)
	if err != nil {
		return nil, fmt.Errorf("load info: %w", translate(ctx, err))
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: parse info: %v", ErrCorruptData, err)
	}
	if info.NumChannels == 0 {
		info.NumChannels = 1
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return &info, nil
}

// CommitInfo writes the info document.
func CommitInfo(ctx context.Context, store storage.Store, info *Info) error {
	if err := info.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal info: %w", err)
	}
	if err := store.Put(ctx, InfoKey, data, "application/json"); err != nil {
		return fmt.Errorf("commit info: %w", translate(ctx, err))
	}
	return nil
}

// ChunkName formats the precomputed chunk file name for a box:
// "<x0>-<x1>_<y0>-<y1>_<z0>-<z1>".
func ChunkName(b grid.BBox) string {
	return fmt.Sprintf("%d-%d_%d-%d_%d-%d", b.Min[0], b.Max[0], b.Min[1], b.Max[1], b.Min[2], b.Max[2])
}
