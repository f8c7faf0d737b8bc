// Package transform defines the per-chunk transformation stages run by the
// pipeline and a registry of the built-in ones.
package transform

import (
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/volume"
)

var (
	// ErrUnknownStage is returned by Registry.New for unregistered names.
	ErrUnknownStage = errors.New("unknown transform stage")

	// ErrInvalidParams is returned when stage parameters cannot be used.
	ErrInvalidParams = errors.New("invalid stage params")

	// ErrInvalidConfig is returned by Validator when source and destination
	// geometry cannot work with the stage. It recurs for every chunk.
	ErrInvalidConfig = errors.New("invalid stage config")
)

// StageContext is the read-only context passed to Apply.
type StageContext struct {
	Params      Params
	Source      grid.VolumeGeometry
	Destination grid.VolumeGeometry
	Level       int // source level being processed

	// Address is the primary chunk of the unit being applied.
	Address grid.ChunkAddress
}

// Stage is one transformation. Apply receives the primary payload and the
// neighbors that exist for RequiredNeighborOffsets, keyed by offset, and
// returns payloads addressed at their destination chunks. Apply must not
// keep state between calls; the pipeline re-runs it on retry.
type Stage interface {
	Name() string
	RequiredNeighborOffsets() []grid.Vec3
	Apply(sc StageContext, primary volume.Payload, neighbors map[grid.Vec3]volume.Payload) ([]volume.Payload, error)
}

// Strider is implemented by many-to-one stages. Only addresses aligned to
// Stride are dispatched as primaries.
type Strider interface {
	Stride() grid.Vec3
}

// PartialBlock is implemented by Strider stages that can still produce
// output when the primary chunk of a block is missing but other chunks of
// the block exist. Apply then receives a nil primary and finds the block
// through StageContext.Address.
type PartialBlock interface {
	AcceptsMissingPrimary() bool
}

// Validator is implemented by stages that constrain the geometry they run
// against. It is checked once before dispatch.
type Validator interface {
	Validate(sc StageContext) error
}

// MissingInputPolicy reports whether a missing primary chunk is skipped.
// Stages that do not implement it treat a missing primary as a failure.
type MissingInputPolicy interface {
	SkipMissing() bool
}

// TransformError is a stage failure.
type TransformError struct {
	Stage     string
	Detail    string
	Retryable bool
	Err       error
}

func (e *TransformError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transform %s: %s: %v", e.Stage, e.Detail, e.Err)
	}
	return fmt.Sprintf("transform %s: %s", e.Stage, e.Detail)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Errorf builds a non-retryable TransformError.
func Errorf(stage, format string, args ...any) *TransformError {
	return &TransformError{Stage: stage, Detail: fmt.Sprintf(format, args...)}
}

// Retryable reports whether err carries a retryable TransformError.
func Retryable(err error) bool {
	var te *TransformError
	return errors.As(err, &te) && te.Retryable
}

// Skippable reports whether the stage skips missing primaries.
func Skippable(s Stage) bool {
	p, ok := s.(MissingInputPolicy)
	return ok && p.SkipMissing()
}

// AcceptsMissingPrimary reports whether s implements PartialBlock and
// opts in.
func AcceptsMissingPrimary(s Stage) bool {
	pb, ok := s.(PartialBlock)
	return ok && pb.AcceptsMissingPrimary()
}

// StrideOf returns the stage stride, or (1,1,1).
func StrideOf(s Stage) grid.Vec3 {
	if st, ok := s.(Strider); ok {
		return st.Stride()
	}
	return grid.Vec3{1, 1, 1}
}

func imageInput(stage string, p volume.Payload) (*volume.ImageChunk, error) {
	c, ok := p.(*volume.ImageChunk)
	if !ok {
		return nil, Errorf(stage, "expects image chunks, got %T", p)
	}
	return c, nil
}

func meshInput(stage string, p volume.Payload) (*volume.MeshChunk, error) {
	m, ok := p.(*volume.MeshChunk)
	if !ok {
		return nil, Errorf(stage, "expects mesh chunks, got %T", p)
	}
	return m, nil
}
