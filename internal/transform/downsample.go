package transform

import (
	"fmt"
	"sort"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/volume"
)

const DownsampleStageName = "downsample"

// DefaultDownsampleFactor halves every axis.
var DefaultDownsampleFactor = grid.Vec3{2, 2, 2}

// Downsample builds the next mip level. Each aligned block of factor
// source chunks at level L produces one chunk at level L+1 of the
// destination, which must use the same chunk size.
type Downsample struct {
	missingPolicy
	factor grid.Vec3
	mode   bool // most frequent value instead of mean (segmentation)
}

// NewDownsample reads params "factor" (default [2,2,2]) and "method"
// ("average" or "mode").
func NewDownsample(params Params) (Stage, error) {
	mp, err := newMissingPolicy(params, true)
	if err != nil {
		return nil, err
	}
	factor, err := params.Vec3("factor", DefaultDownsampleFactor)
	if err != nil {
		return nil, err
	}
	for _, f := range factor {
		if f < 1 {
			return nil, fmt.Errorf("%w: factor %v", ErrInvalidParams, factor)
		}
	}
	s := &Downsample{missingPolicy: mp, factor: factor}
	switch m, _ := params["method"].(string); m {
	case "", "average":
	case "mode":
		s.mode = true
	default:
		return nil, fmt.Errorf("%w: method %q", ErrInvalidParams, m)
	}
	return s, nil
}

func (s *Downsample) Name() string      { return DownsampleStageName }
func (s *Downsample) Stride() grid.Vec3 { return s.factor }

// RequiredNeighborOffsets lists every other chunk of the factor block.
func (s *Downsample) RequiredNeighborOffsets() []grid.Vec3 {
	var out []grid.Vec3
	for z := int64(0); z < s.factor[2]; z++ {
		for y := int64(0); y < s.factor[1]; y++ {
			for x := int64(0); x < s.factor[0]; x++ {
				if x|y|z != 0 {
					out = append(out, grid.Vec3{x, y, z})
				}
			}
		}
	}
	return out
}

// Validate requires the destination to hold level L+1 with the source
// chunk size and the downsampled extent.
func (s *Downsample) Validate(sc StageContext) error {
	src, err := sc.Source.Level(sc.Level)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	dst, err := sc.Destination.Level(sc.Level + 1)
	if err != nil {
		return fmt.Errorf("%w: destination has no level %d: %v", ErrInvalidConfig, sc.Level+1, err)
	}
	if dst.ChunkSize != src.ChunkSize {
		return fmt.Errorf("%w: destination chunk size %s differs from source %s", ErrInvalidConfig, dst.ChunkSize, src.ChunkSize)
	}
	for a := 0; a < 3; a++ {
		want := (src.Extent[a] + s.factor[a] - 1) / s.factor[a]
		if dst.Extent[a] != want {
			return fmt.Errorf("%w: destination extent %s, downsampled source is %d on axis %d", ErrInvalidConfig, dst.Extent, want, a)
		}
	}
	return nil
}

// AcceptsMissingPrimary lets a block with a missing aligned chunk still
// be reduced from its remaining chunks.
func (s *Downsample) AcceptsMissingPrimary() bool { return true }

func (s *Downsample) Apply(sc StageContext, primary volume.Payload, neighbors map[grid.Vec3]volume.Payload) ([]volume.Payload, error) {
	var (
		in   *volume.ImageChunk
		addr = sc.Address
		err  error
	)
	if primary != nil {
		if in, err = imageInput(DownsampleStageName, primary); err != nil {
			return nil, err
		}
		addr = in.Addr
	}
	tmpl, err := s.blockTemplate(in, neighbors)
	if err != nil {
		return nil, err
	}
	src, err := sc.Source.Level(addr.Level)
	if err != nil {
		return nil, Errorf(DownsampleStageName, "source level: %v", err)
	}
	outAddr := grid.ChunkAddress{
		Level: addr.Level + 1,
		X:     floorDiv(addr.X, s.factor[0]),
		Y:     floorDiv(addr.Y, s.factor[1]),
		Z:     floorDiv(addr.Z, s.factor[2]),
	}
	box, err := grid.BoundsOf(sc.Destination, outAddr)
	if err != nil {
		return nil, Errorf(DownsampleStageName, "destination chunk %s: %v", outAddr, err)
	}

	srcBounds := src.Bounds()
	primaryIdx := addr.Index()
	out := volume.NewImageChunk(outAddr, tmpl.DataType, tmpl.Channels, box.Size())
	values := make([]float64, 0, s.factor.Prod())

	for ch := 0; ch < tmpl.Channels; ch++ {
		for dz := box.Min[2]; dz < box.Max[2]; dz++ {
			for dy := box.Min[1]; dy < box.Max[1]; dy++ {
				for dx := box.Min[0]; dx < box.Max[0]; dx++ {
					values = values[:0]
					d := grid.Vec3{dx, dy, dz}
					lo, hi := d.Mul(s.factor), d.Add(grid.Vec3{1, 1, 1}).Mul(s.factor)
					for sz := max(lo[2], srcBounds.Min[2]); sz < min(hi[2], srcBounds.Max[2]); sz++ {
						for sy := max(lo[1], srcBounds.Min[1]); sy < min(hi[1], srcBounds.Max[1]); sy++ {
							for sx := max(lo[0], srcBounds.Min[0]); sx < min(hi[0], srcBounds.Max[0]); sx++ {
								if v, ok := sourceVoxel(src, tmpl, in, primaryIdx, neighbors, grid.Vec3{sx, sy, sz}, ch); ok {
									values = append(values, v)
								}
							}
						}
					}
					if len(values) == 0 {
						continue
					}
					local := d.Sub(box.Min)
					out.Set(local[0], local[1], local[2], ch, s.reduce(values))
				}
			}
		}
	}
	return []volume.Payload{out}, nil
}

func (s *Downsample) reduce(values []float64) float64 {
	if !s.mode {
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
	sort.Float64s(values)
	best, bestRun := values[0], 0
	for i := 0; i < len(values); {
		j := i
		for j < len(values) && values[j] == values[i] {
			j++
		}
		if j-i > bestRun {
			best, bestRun = values[i], j-i
		}
		i = j
	}
	return best
}

// blockTemplate returns the chunk whose data type and channel count the
// output follows: the primary, or the first present neighbour.
func (s *Downsample) blockTemplate(primary *volume.ImageChunk, neighbors map[grid.Vec3]volume.Payload) (*volume.ImageChunk, error) {
	if primary != nil {
		return primary, nil
	}
	for _, off := range s.RequiredNeighborOffsets() {
		if n, ok := neighbors[off]; ok {
			return imageInput(DownsampleStageName, n)
		}
	}
	return nil, Errorf(DownsampleStageName, "no chunk of the block is present")
}

// sourceVoxel reads absolute source voxel v from whichever chunk of the
// block holds it. primary may be nil when the aligned chunk is missing.
func sourceVoxel(lvl grid.Level, tmpl, primary *volume.ImageChunk, primaryIdx grid.Vec3, neighbors map[grid.Vec3]volume.Payload, v grid.Vec3, ch int) (float64, bool) {
	rel := v.Sub(lvl.Offset)
	var idx, local grid.Vec3
	for a := 0; a < 3; a++ {
		idx[a] = floorDiv(rel[a], lvl.ChunkSize[a])
		local[a] = rel[a] - idx[a]*lvl.ChunkSize[a]
	}
	off := idx.Sub(primaryIdx)
	c := primary
	if off.IsZero() {
		if c == nil {
			return 0, false
		}
	} else {
		n, ok := neighbors[off].(*volume.ImageChunk)
		if !ok || n.DataType != tmpl.DataType || ch >= n.Channels {
			return 0, false
		}
		c = n
	}
	for a := 0; a < 3; a++ {
		if local[a] >= c.Shape[a] {
			return 0, false
		}
	}
	return c.At(local[0], local[1], local[2], ch), true
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
