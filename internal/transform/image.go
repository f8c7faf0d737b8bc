package transform

import (
	"fmt"
	"math"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/volume"
)

const (
	InvertStageName  = "invert"
	RescaleStageName = "rescale"
	SmoothStageName  = "smooth"
)

// Invert maps every voxel v to max-v.
type Invert struct {
	missingPolicy
	max float64 // 0 = data type maximum
}

// NewInvert builds an invert stage. Param "max" overrides the data type
// maximum.
func NewInvert(params Params) (Stage, error) {
	mp, err := newMissingPolicy(params, false)
	if err != nil {
		return nil, err
	}
	ceiling, err := params.Float("max", 0)
	if err != nil {
		return nil, err
	}
	return &Invert{missingPolicy: mp, max: ceiling}, nil
}

func (s *Invert) Name() string                         { return InvertStageName }
func (s *Invert) RequiredNeighborOffsets() []grid.Vec3 { return nil }

func (s *Invert) Apply(_ StageContext, primary volume.Payload, _ map[grid.Vec3]volume.Payload) ([]volume.Payload, error) {
	in, err := imageInput(InvertStageName, primary)
	if err != nil {
		return nil, err
	}
	if in.DataType == volume.Float32 && s.max == 0 {
		return nil, Errorf(InvertStageName, "float32 volumes need an explicit max")
	}
	ceiling := s.max
	if ceiling == 0 {
		ceiling = in.DataType.Max()
	}
	out := in.Clone()
	out.Enc = volume.EncodingRaw
	forEachVoxel(in, func(x, y, z int64, ch int) {
		out.Set(x, y, z, ch, ceiling-in.At(x, y, z, ch))
	})
	return []volume.Payload{out}, nil
}

// Rescale clips voxels to [min, max] and stretches that range onto the
// output data type.
type Rescale struct {
	missingPolicy
	min, max float64
	hasMax   bool
	out      volume.DataType
}

// NewRescale builds a rescale stage from params "min", "max" and
// "data_type" (default uint8).
func NewRescale(params Params) (Stage, error) {
	mp, err := newMissingPolicy(params, false)
	if err != nil {
		return nil, err
	}
	s := &Rescale{missingPolicy: mp, out: volume.Uint8}
	if s.min, err = params.Float("min", 0); err != nil {
		return nil, err
	}
	if _, s.hasMax = params["max"]; s.hasMax {
		if s.max, err = params.Float("max", 0); err != nil {
			return nil, err
		}
		if s.max <= s.min {
			return nil, fmt.Errorf("%w: max %v must exceed min %v", ErrInvalidParams, s.max, s.min)
		}
	}
	if dt, ok := params["data_type"].(string); ok {
		s.out = volume.DataType(dt)
		if s.out.Size() == 0 {
			return nil, fmt.Errorf("%w: data_type %q", ErrInvalidParams, dt)
		}
	}
	return s, nil
}

func (s *Rescale) Name() string                         { return RescaleStageName }
func (s *Rescale) RequiredNeighborOffsets() []grid.Vec3 { return nil }

func (s *Rescale) Apply(_ StageContext, primary volume.Payload, _ map[grid.Vec3]volume.Payload) ([]volume.Payload, error) {
	in, err := imageInput(RescaleStageName, primary)
	if err != nil {
		return nil, err
	}
	lo, hi := s.min, s.max
	if !s.hasMax {
		hi = in.DataType.Max()
	}
	if hi <= lo {
		return nil, Errorf(RescaleStageName, "empty clip range [%v, %v]", lo, hi)
	}
	top := s.out.Max()
	if s.out == volume.Float32 {
		top = 1
	}
	out := volume.NewImageChunk(in.Addr, s.out, in.Channels, in.Shape)
	forEachVoxel(in, func(x, y, z int64, ch int) {
		v := math.Min(math.Max(in.At(x, y, z, ch), lo), hi)
		out.Set(x, y, z, ch, (v-lo)/(hi-lo)*top)
	})
	return []volume.Payload{out}, nil
}

var faceOffsets = []grid.Vec3{
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
}

// Smooth replaces every voxel with the mean of itself and its six face
// neighbors. Voxels on a chunk face read across the seam from the
// neighboring chunk, so adjacent outputs agree.
type Smooth struct {
	missingPolicy
}

// NewSmooth builds a smooth stage.
func NewSmooth(params Params) (Stage, error) {
	mp, err := newMissingPolicy(params, false)
	if err != nil {
		return nil, err
	}
	return &Smooth{missingPolicy: mp}, nil
}

func (s *Smooth) Name() string { return SmoothStageName }

func (s *Smooth) RequiredNeighborOffsets() []grid.Vec3 {
	return append([]grid.Vec3(nil), faceOffsets...)
}

func (s *Smooth) Apply(_ StageContext, primary volume.Payload, neighbors map[grid.Vec3]volume.Payload) ([]volume.Payload, error) {
	in, err := imageInput(SmoothStageName, primary)
	if err != nil {
		return nil, err
	}
	out := in.Clone()
	out.Enc = volume.EncodingRaw
	forEachVoxel(in, func(x, y, z int64, ch int) {
		sum, n := in.At(x, y, z, ch), 1.0
		for _, o := range faceOffsets {
			if v, ok := sampleAcross(in, neighbors, x+o[0], y+o[1], z+o[2], ch); ok {
				sum += v
				n++
			}
		}
		out.Set(x, y, z, ch, sum/n)
	})
	return []volume.Payload{out}, nil
}

// sampleAcross reads local voxel (x, y, z) of the primary, stepping into a
// face neighbor when the coordinate lies one past an edge.
func sampleAcross(primary *volume.ImageChunk, neighbors map[grid.Vec3]volume.Payload, x, y, z int64, ch int) (float64, bool) {
	p := grid.Vec3{x, y, z}
	var off grid.Vec3
	for a := 0; a < 3; a++ {
		switch {
		case p[a] < 0:
			off[a] = -1
		case p[a] >= primary.Shape[a]:
			off[a] = 1
		}
	}
	if off.IsZero() {
		return primary.At(x, y, z, ch), true
	}
	n, ok := neighbors[off].(*volume.ImageChunk)
	if !ok || n.DataType != primary.DataType || ch >= n.Channels {
		return 0, false
	}
	for a := 0; a < 3; a++ {
		switch off[a] {
		case -1:
			p[a] += n.Shape[a]
		case 1:
			p[a] -= primary.Shape[a]
		}
		if p[a] < 0 || p[a] >= n.Shape[a] {
			return 0, false
		}
	}
	return n.At(p[0], p[1], p[2], ch), true
}

func forEachVoxel(c *volume.ImageChunk, fn func(x, y, z int64, ch int)) {
	for ch := 0; ch < c.Channels; ch++ {
		for z := int64(0); z < c.Shape[2]; z++ {
			for y := int64(0); y < c.Shape[1]; y++ {
				for x := int64(0); x < c.Shape[0]; x++ {
					fn(x, y, z, ch)
				}
			}
		}
	}
}
