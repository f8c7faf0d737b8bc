package grid

import "fmt"

// Enumerate returns every chunk address at level that intersects region,
// clipped to the level bounds, in (z, y, x) order.
func Enumerate(g VolumeGeometry, region BBox, level int) ([]ChunkAddress, error) {
	lvl, err := g.Level(level)
	if err != nil {
		return nil, err
	}
	if err := lvl.Validate(); err != nil {
		return nil, err
	}

	r := region.Intersect(lvl.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("%w: %s does not intersect level %d bounds %s",
			ErrInvalidRegion, region, level, lvl.Bounds())
	}

	var lo, hi Vec3
	for i := 0; i < 3; i++ {
		lo[i] = floorDiv(r.Min[i]-lvl.Offset[i], lvl.ChunkSize[i])
		hi[i] = ceilDiv(r.Max[i]-lvl.Offset[i], lvl.ChunkSize[i])
	}

	out := make([]ChunkAddress, 0, hi.Sub(lo).Prod())
	for z := lo[2]; z < hi[2]; z++ {
		for y := lo[1]; y < hi[1]; y++ {
			for x := lo[0]; x < hi[0]; x++ {
				out = append(out, ChunkAddress{Level: level, X: x, Y: y, Z: z})
			}
		}
	}
	return out, nil
}

// EnumerateLevel enumerates every chunk of a level.
func EnumerateLevel(g VolumeGeometry, level int) ([]ChunkAddress, error) {
	lvl, err := g.Level(level)
	if err != nil {
		return nil, err
	}
	return Enumerate(g, lvl.Bounds(), level)
}

// Contains reports whether addr lies inside the chunk grid of its level.
func Contains(g VolumeGeometry, addr ChunkAddress) bool {
	lvl, err := g.Level(addr.Level)
	if err != nil {
		return false
	}
	shape := lvl.GridShape()
	idx := addr.Index()
	for i := 0; i < 3; i++ {
		if idx[i] < 0 || idx[i] >= shape[i] {
			return false
		}
	}
	return true
}

// BoundsOf returns the voxel-space box of a chunk, clipped to the level.
func BoundsOf(g VolumeGeometry, addr ChunkAddress) (BBox, error) {
	lvl, err := g.Level(addr.Level)
	if err != nil {
		return BBox{}, err
	}
	if !Contains(g, addr) {
		return BBox{}, fmt.Errorf("%w: chunk %s outside level grid %v", ErrInvalidRegion, addr, lvl.GridShape())
	}
	lo := lvl.Offset.Add(addr.Index().Mul(lvl.ChunkSize))
	box := BBox{Min: lo, Max: lo.Add(lvl.ChunkSize)}
	return box.Intersect(lvl.Bounds()), nil
}

// Align snaps every address down to a multiple of stride, dropping
// duplicates. The result is sorted.
func Align(addrs []ChunkAddress, stride Vec3) []ChunkAddress {
	for i := 0; i < 3; i++ {
		if stride[i] < 1 {
			stride[i] = 1
		}
	}
	seen := make(map[ChunkAddress]struct{}, len(addrs))
	out := make([]ChunkAddress, 0, len(addrs))
	for _, a := range addrs {
		aligned := ChunkAddress{
			Level: a.Level,
			X:     floorDiv(a.X, stride[0]) * stride[0],
			Y:     floorDiv(a.Y, stride[1]) * stride[1],
			Z:     floorDiv(a.Z, stride[2]) * stride[2],
		}
		if _, ok := seen[aligned]; ok {
			continue
		}
		seen[aligned] = struct{}{}
		out = append(out, aligned)
	}
	SortAddresses(out)
	return out
}
