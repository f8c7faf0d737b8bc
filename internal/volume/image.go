package volume

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
)

// ImageAccessor stores dense voxel chunks as "<scale>/<chunk name>".
type ImageAccessor struct {
	*base
	fillMissing bool
}

var _ Accessor = (*ImageAccessor)(nil)

// Key returns the object key of a chunk.
func (a *ImageAccessor) Key(addr grid.ChunkAddress) (string, error) {
	scale, box, err := a.bounds(addr)
	if err != nil {
		return "", err
	}
	return scale.Key + "/" + ChunkName(box), nil
}

// Read loads and decodes one chunk. With FillMissing set, absent chunks
// come back zero filled instead of ErrNotFound.
func (a *ImageAccessor) Read(ctx context.Context, addr grid.ChunkAddress) (Payload, error) {
	scale, box, err := a.bounds(addr)
	if err != nil {
		return nil, err
	}
	key := scale.Key + "/" + ChunkName(box)
	chunk := NewImageChunk(addr, a.info.DataType, a.info.NumChannels, box.Size())

	data, err := a.get(ctx, key, chunk.ExpectedBytes())
	if err != nil {
		if errors.Is(err, ErrNotFound) && a.fillMissing {
			a.logger.Debug("filling missing chunk", "key", key)
			return chunk, nil
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if int64(len(data)) != chunk.ExpectedBytes() {
		return nil, fmt.Errorf("%w: %s holds %d bytes, geometry implies %d",
			ErrCorruptData, key, len(data), chunk.ExpectedBytes())
	}
	chunk.Data = data
	return chunk, nil
}

// Write encodes and stores one chunk. The payload must match the clipped
// chunk shape, data type and channel count of the destination level.
func (a *ImageAccessor) Write(ctx context.Context, addr grid.ChunkAddress, p Payload) error {
	chunk, ok := p.(*ImageChunk)
	if !ok {
		return fmt.Errorf("%w: %T written to image volume", ErrWrongPayload, p)
	}
	scale, box, err := a.bounds(addr)
	if err != nil {
		return err
	}
	if want := box.Size(); chunk.Shape != want {
		return fmt.Errorf("%w: chunk %s shape %s, level expects %s", ErrPayloadShapeMismatch, addr, chunk.Shape, want)
	}
	if chunk.DataType != a.info.DataType {
		return fmt.Errorf("%w: chunk %s data type %s, volume is %s", ErrPayloadShapeMismatch, addr, chunk.DataType, a.info.DataType)
	}
	if chunk.Channels != a.info.NumChannels {
		return fmt.Errorf("%w: chunk %s has %d channels, volume has %d", ErrPayloadShapeMismatch, addr, chunk.Channels, a.info.NumChannels)
	}
	if int64(len(chunk.Data)) != chunk.ExpectedBytes() {
		return fmt.Errorf("%w: chunk %s buffer %d bytes, expected %d", ErrPayloadShapeMismatch, addr, len(chunk.Data), chunk.ExpectedBytes())
	}
	key := scale.Key + "/" + ChunkName(box)
	if err := a.put(ctx, key, chunk.Data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
