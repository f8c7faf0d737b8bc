package grid

import "fmt"

// BBox is a half-open voxel box [Min, Max).
type BBox struct {
	Min Vec3 `yaml:"min" json:"min"`
	Max Vec3 `yaml:"max" json:"max"`
}

// Empty reports whether the box contains no voxels.
func (b BBox) Empty() bool {
	return b.Max[0] <= b.Min[0] || b.Max[1] <= b.Min[1] || b.Max[2] <= b.Min[2]
}

// Size returns the extent of the box, zero for empty boxes.
func (b BBox) Size() Vec3 {
	if b.Empty() {
		return Vec3{}
	}
	return b.Max.Sub(b.Min)
}

// Intersect returns the overlap of b and o.
func (b BBox) Intersect(o BBox) BBox {
	var out BBox
	for i := 0; i < 3; i++ {
		out.Min[i] = max(b.Min[i], o.Min[i])
		out.Max[i] = min(b.Max[i], o.Max[i])
	}
	return out
}

// Contains reports whether voxel p lies inside the box.
func (b BBox) Contains(p Vec3) bool {
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] || p[i] >= b.Max[i] {
			return false
		}
	}
	return true
}

func (b BBox) String() string {
	return fmt.Sprintf("[%d-%d, %d-%d, %d-%d)", b.Min[0], b.Max[0], b.Min[1], b.Max[1], b.Min[2], b.Max[2])
}
