package transform

import (
	"fmt"
	"math"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/volume"
)

const (
	MeshRemapStageName = "mesh-remap"
	MeshWeldStageName  = "mesh-weld"
)

// MeshRemap applies v' = v*scale + translate to every vertex.
type MeshRemap struct {
	missingPolicy
	scale, translate [3]float64
}

// NewMeshRemap reads params "scale" (default [1,1,1]) and "translate"
// (default [0,0,0]).
func NewMeshRemap(params Params) (Stage, error) {
	mp, err := newMissingPolicy(params, true)
	if err != nil {
		return nil, err
	}
	s := &MeshRemap{missingPolicy: mp}
	if s.scale, err = params.Floats3("scale", [3]float64{1, 1, 1}); err != nil {
		return nil, err
	}
	if s.translate, err = params.Floats3("translate", [3]float64{}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MeshRemap) Name() string                         { return MeshRemapStageName }
func (s *MeshRemap) RequiredNeighborOffsets() []grid.Vec3 { return nil }

func (s *MeshRemap) Apply(_ StageContext, primary volume.Payload, _ map[grid.Vec3]volume.Payload) ([]volume.Payload, error) {
	in, err := meshInput(MeshRemapStageName, primary)
	if err != nil {
		return nil, err
	}
	out := in.Clone()
	out.Enc = volume.EncodingFragment
	for i := range out.Vertices {
		a := i % 3
		out.Vertices[i] = float32(float64(out.Vertices[i])*s.scale[a] + s.translate[a])
	}
	return []volume.Payload{out}, nil
}

var weldOffsets = []grid.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

// MeshWeld snaps vertices lying on the +x, +y and +z faces of a chunk onto
// the matching vertices of the neighboring fragment, so meshes generated
// per chunk close up across seams. Vertices with no partner within
// tolerance are projected onto the seam plane.
type MeshWeld struct {
	missingPolicy
	tolerance float64
}

// NewMeshWeld reads param "tolerance" in physical units (default 1).
func NewMeshWeld(params Params) (Stage, error) {
	mp, err := newMissingPolicy(params, true)
	if err != nil {
		return nil, err
	}
	tol, err := params.Float("tolerance", 1)
	if err != nil {
		return nil, err
	}
	if tol <= 0 {
		return nil, fmt.Errorf("%w: tolerance %v", ErrInvalidParams, tol)
	}
	return &MeshWeld{missingPolicy: mp, tolerance: tol}, nil
}

func (s *MeshWeld) Name() string { return MeshWeldStageName }

func (s *MeshWeld) RequiredNeighborOffsets() []grid.Vec3 {
	return append([]grid.Vec3(nil), weldOffsets...)
}

func (s *MeshWeld) Apply(sc StageContext, primary volume.Payload, neighbors map[grid.Vec3]volume.Payload) ([]volume.Payload, error) {
	in, err := meshInput(MeshWeldStageName, primary)
	if err != nil {
		return nil, err
	}
	lvl, err := sc.Source.Level(in.Addr.Level)
	if err != nil {
		return nil, Errorf(MeshWeldStageName, "source level: %v", err)
	}
	box, err := grid.BoundsOf(sc.Source, in.Addr)
	if err != nil {
		return nil, Errorf(MeshWeldStageName, "chunk bounds: %v", err)
	}

	out := in.Clone()
	out.Enc = volume.EncodingFragment
	for a, off := range weldOffsets {
		n, ok := neighbors[off].(*volume.MeshChunk)
		if !ok {
			continue
		}
		seam := float64(box.Max[a]) * lvl.Resolution[a]
		for i := 0; i < out.NumVertices(); i++ {
			v := out.Vertex(i)
			if math.Abs(float64(v[a])-seam) > s.tolerance {
				continue
			}
			if u, ok := s.nearest(n, v, a, seam); ok {
				copy(out.Vertices[3*i:3*i+3], u[:])
				continue
			}
			out.Vertices[3*i+a] = float32(seam)
		}
	}
	return []volume.Payload{out}, nil
}

// nearest returns the vertex of n on the seam closest to v, within
// tolerance.
func (s *MeshWeld) nearest(n *volume.MeshChunk, v [3]float32, axis int, seam float64) ([3]float32, bool) {
	var best [3]float32
	bestDist := math.Inf(1)
	for j := 0; j < n.NumVertices(); j++ {
		u := n.Vertex(j)
		if math.Abs(float64(u[axis])-seam) > s.tolerance {
			continue
		}
		var d float64
		for k := 0; k < 3; k++ {
			diff := float64(u[k] - v[k])
			d += diff * diff
		}
		if d < bestDist {
			best, bestDist = u, d
		}
	}
	return best, bestDist <= s.tolerance*s.tolerance
}
