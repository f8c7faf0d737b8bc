// Package grid models volume geometry and the chunk grid laid over it.
//
// Everything in this package is pure: enumerating the same geometry and
// region twice yields the same addresses in the same order.
package grid

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRegion is returned when a region does not intersect the volume.
	ErrInvalidRegion = errors.New("invalid region")

	// ErrInvalidLevel is returned for a level the geometry does not have.
	// It wraps ErrInvalidRegion so callers can treat both as caller errors.
	ErrInvalidLevel = fmt.Errorf("%w: unknown level", ErrInvalidRegion)

	// ErrInvalidGeometry is returned by Validate.
	ErrInvalidGeometry = errors.New("invalid geometry")
)

// Vec3 is an (x, y, z) integer triple used for voxel coordinates, extents,
// chunk sizes and relative chunk offsets.
type Vec3 [3]int64

func (v Vec3) X() int64 { return v[0] }
func (v Vec3) Y() int64 { return v[1] }
func (v Vec3) Z() int64 { return v[2] }

// Add returns v+o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }

// Sub returns v-o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }

// Mul returns the component-wise product.
func (v Vec3) Mul(o Vec3) Vec3 { return Vec3{v[0] * o[0], v[1] * o[1], v[2] * o[2]} }

// Prod returns x*y*z.
func (v Vec3) Prod() int64 { return v[0] * v[1] * v[2] }

// IsZero reports whether all components are zero.
func (v Vec3) IsZero() bool { return v == Vec3{} }

func (v Vec3) String() string { return fmt.Sprintf("(%d,%d,%d)", v[0], v[1], v[2]) }

// Level describes one resolution tier ("mip") of a volume.
type Level struct {
	Key        string     // storage key of the scale, e.g. "8_8_40"
	Offset     Vec3       // voxel offset of the first voxel
	Extent     Vec3       // size in voxels
	ChunkSize  Vec3       // chunk size in voxels
	Resolution [3]float64 // physical size of one voxel (nm)
}

// Bounds returns the voxel-space box covered by the level.
func (l Level) Bounds() BBox {
	return BBox{Min: l.Offset, Max: l.Offset.Add(l.Extent)}
}

// GridShape returns the number of chunks along each axis, counting
// boundary-clipped chunks.
func (l Level) GridShape() Vec3 {
	var out Vec3
	for i := 0; i < 3; i++ {
		out[i] = ceilDiv(l.Extent[i], l.ChunkSize[i])
	}
	return out
}

// Validate checks that extents and chunk sizes are positive.
func (l Level) Validate() error {
	for i := 0; i < 3; i++ {
		if l.Extent[i] <= 0 {
			return fmt.Errorf("%w: level %q extent %v", ErrInvalidGeometry, l.Key, l.Extent)
		}
		if l.ChunkSize[i] <= 0 {
			return fmt.Errorf("%w: level %q chunk size %v", ErrInvalidGeometry, l.Key, l.ChunkSize)
		}
	}
	return nil
}

// VolumeGeometry is the immutable description of a volume: one Level per
// resolution tier, level 0 being full resolution.
type VolumeGeometry struct {
	Levels []Level
}

// NumLevels returns the number of mip levels.
func (g VolumeGeometry) NumLevels() int { return len(g.Levels) }

// Level returns the geometry of level i.
func (g VolumeGeometry) Level(i int) (Level, error) {
	if i < 0 || i >= len(g.Levels) {
		return Level{}, fmt.Errorf("%w %d (volume has %d)", ErrInvalidLevel, i, len(g.Levels))
	}
	return g.Levels[i], nil
}

// Validate checks every level.
func (g VolumeGeometry) Validate() error {
	if len(g.Levels) == 0 {
		return fmt.Errorf("%w: no levels", ErrInvalidGeometry)
	}
	for _, l := range g.Levels {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// floorDiv rounds toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
