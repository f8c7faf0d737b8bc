package volume

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
)

// MeshAccessor stores one mesh fragment per chunk under
// "<mesh dir>/<scale>/<chunk name>".
type MeshAccessor struct {
	*base
	dir         string
	fillMissing bool
}

var _ Accessor = (*MeshAccessor)(nil)

// Key returns the object key of a fragment.
func (a *MeshAccessor) Key(addr grid.ChunkAddress) (string, error) {
	scale, box, err := a.bounds(addr)
	if err != nil {
		return "", err
	}
	return a.dir + "/" + scale.Key + "/" + ChunkName(box), nil
}

// Read loads one fragment. With FillMissing set, absent fragments come back
// as empty meshes.
func (a *MeshAccessor) Read(ctx context.Context, addr grid.ChunkAddress) (Payload, error) {
	key, err := a.Key(addr)
	if err != nil {
		return nil, err
	}
	data, err := a.get(ctx, key, -1)
	if err != nil {
		if errors.Is(err, ErrNotFound) && a.fillMissing {
			return &MeshChunk{Addr: addr, Enc: EncodingFragment}, nil
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	m, err := DecodeMesh(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	m.Addr = addr
	return m, nil
}

// Write stores one fragment.
func (a *MeshAccessor) Write(ctx context.Context, addr grid.ChunkAddress, p Payload) error {
	m, ok := p.(*MeshChunk)
	if !ok {
		return fmt.Errorf("%w: %T written to mesh volume", ErrWrongPayload, p)
	}
	key, err := a.Key(addr)
	if err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: chunk %s: %v", ErrPayloadShapeMismatch, addr, err)
	}
	if err := a.put(ctx, key, EncodeMesh(m)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
