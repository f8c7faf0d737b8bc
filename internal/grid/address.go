package grid

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ChunkAddress identifies one chunk of a volume. It is comparable and can be
// used as a map key.
type ChunkAddress struct {
	Level int   `json:"level"`
	X     int64 `json:"x"`
	Y     int64 `json:"y"`
	Z     int64 `json:"z"`
}

// Index returns the chunk index as a Vec3.
func (a ChunkAddress) Index() Vec3 { return Vec3{a.X, a.Y, a.Z} }

// Add returns the address offset by off chunks on the same level.
func (a ChunkAddress) Add(off Vec3) ChunkAddress {
	return ChunkAddress{Level: a.Level, X: a.X + off[0], Y: a.Y + off[1], Z: a.Z + off[2]}
}

// Less orders addresses by (level, z, y, x).
func (a ChunkAddress) Less(b ChunkAddress) bool {
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	if a.Z != b.Z {
		return a.Z < b.Z
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}

func (a ChunkAddress) String() string {
	return fmt.Sprintf("%d/%d_%d_%d", a.Level, a.X, a.Y, a.Z)
}

// ParseChunkAddress parses the String form.
func ParseChunkAddress(s string) (ChunkAddress, error) {
	level, rest, ok := strings.Cut(s, "/")
	parts := strings.Split(rest, "_")
	if !ok || len(parts) != 3 {
		return ChunkAddress{}, fmt.Errorf("parse chunk address %q: want <level>/<x>_<y>_<z>", s)
	}
	var a ChunkAddress
	var err error
	if a.Level, err = strconv.Atoi(level); err != nil {
		return ChunkAddress{}, fmt.Errorf("parse chunk address %q: %w", s, err)
	}
	idx := make([]int64, 3)
	for i, p := range parts {
		if idx[i], err = strconv.ParseInt(p, 10, 64); err != nil {
			return ChunkAddress{}, fmt.Errorf("parse chunk address %q: %w", s, err)
		}
	}
	a.X, a.Y, a.Z = idx[0], idx[1], idx[2]
	return a, nil
}

// SortAddresses sorts in place using Less.
func SortAddresses(addrs []ChunkAddress) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
}
