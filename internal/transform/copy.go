package transform

import (
	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/volume"
)

// CopyStageName is the registry name of the copy stage.
const CopyStageName = "copy"

// missingPolicy implements MissingInputPolicy from the "skip_missing" param.
type missingPolicy struct {
	skip bool
}

func (m missingPolicy) SkipMissing() bool { return m.skip }

func newMissingPolicy(params Params, def bool) (missingPolicy, error) {
	skip, err := params.Bool("skip_missing", def)
	return missingPolicy{skip: skip}, err
}

// Copy re-encodes chunks unchanged. It moves data between volumes with
// different storage backends or compression.
type Copy struct {
	missingPolicy
}

// NewCopy builds a copy stage. Missing source chunks are skipped unless
// skip_missing is false.
func NewCopy(params Params) (Stage, error) {
	mp, err := newMissingPolicy(params, true)
	if err != nil {
		return nil, err
	}
	return &Copy{missingPolicy: mp}, nil
}

func (c *Copy) Name() string                         { return CopyStageName }
func (c *Copy) RequiredNeighborOffsets() []grid.Vec3 { return nil }

func (c *Copy) Apply(_ StageContext, primary volume.Payload, _ map[grid.Vec3]volume.Payload) ([]volume.Payload, error) {
	switch p := primary.(type) {
	case *volume.ImageChunk:
		out := p.Clone()
		out.Enc = volume.EncodingRaw
		return []volume.Payload{out}, nil
	case *volume.MeshChunk:
		out := p.Clone()
		out.Enc = volume.EncodingFragment
		return []volume.Payload{out}, nil
	default:
		return nil, Errorf(CopyStageName, "unsupported payload %T", primary)
	}
}
