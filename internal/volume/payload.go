package volume

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
)

// DataType is the voxel element type of an image volume.
type DataType string

const (
	Uint8   DataType = "uint8"
	Uint16  DataType = "uint16"
	Uint32  DataType = "uint32"
	Uint64  DataType = "uint64"
	Float32 DataType = "float32"
)

// Size returns the number of bytes per element, 0 for unknown types.
func (d DataType) Size() int {
	switch d {
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Uint32, Float32:
		return 4
	case Uint64:
		return 8
	default:
		return 0
	}
}

// Max returns the largest representable value.
func (d DataType) Max() float64 {
	switch d {
	case Uint8:
		return math.MaxUint8
	case Uint16:
		return math.MaxUint16
	case Uint32:
		return math.MaxUint32
	case Uint64:
		return math.MaxUint64
	default:
		return math.MaxFloat32
	}
}

// Payload is one decoded chunk plus its address and encoding tag.
// A payload is owned by the worker that read or produced it.
type Payload interface {
	Address() grid.ChunkAddress
	Encoding() string
}

// ImageChunk is a dense voxel buffer laid out x-fastest, then y, z and
// channel, little endian.
type ImageChunk struct {
	Addr     grid.ChunkAddress
	Enc      string
	DataType DataType
	Channels int
	Shape    grid.Vec3
	Data     []byte
}

// NewImageChunk allocates a zero-filled chunk.
func NewImageChunk(addr grid.ChunkAddress, dt DataType, channels int, shape grid.Vec3) *ImageChunk {
	if channels < 1 {
		channels = 1
	}
	return &ImageChunk{
		Addr:     addr,
		Enc:      EncodingRaw,
		DataType: dt,
		Channels: channels,
		Shape:    shape,
		Data:     make([]byte, shape.Prod()*int64(channels)*int64(dt.Size())),
	}
}

func (c *ImageChunk) Address() grid.ChunkAddress { return c.Addr }
func (c *ImageChunk) Encoding() string           { return c.Enc }

// ExpectedBytes is the buffer length implied by shape, channels and type.
func (c *ImageChunk) ExpectedBytes() int64 {
	return c.Shape.Prod() * int64(c.Channels) * int64(c.DataType.Size())
}

func (c *ImageChunk) offset(x, y, z int64, ch int) int64 {
	sx, sy, sz := c.Shape[0], c.Shape[1], c.Shape[2]
	idx := ((int64(ch)*sz+z)*sy+y)*sx + x
	return idx * int64(c.DataType.Size())
}

// At returns voxel (x, y, z) of channel ch, in chunk-local coordinates.
func (c *ImageChunk) At(x, y, z int64, ch int) float64 {
	o := c.offset(x, y, z, ch)
	switch c.DataType {
	case Uint8:
		return float64(c.Data[o])
	case Uint16:
		return float64(binary.LittleEndian.Uint16(c.Data[o:]))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(c.Data[o:]))
	case Uint64:
		return float64(binary.LittleEndian.Uint64(c.Data[o:]))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(c.Data[o:])))
	default:
		panic(fmt.Sprintf("volume: unsupported data type %q", c.DataType))
	}
}

// Set stores v at voxel (x, y, z) of channel ch, clamping to the type range
// and rounding integer types.
func (c *ImageChunk) Set(x, y, z int64, ch int, v float64) {
	o := c.offset(x, y, z, ch)
	if c.DataType != Float32 {
		v = math.Round(math.Max(0, math.Min(v, c.DataType.Max())))
	}
	switch c.DataType {
	case Uint8:
		c.Data[o] = uint8(v)
	case Uint16:
		binary.LittleEndian.PutUint16(c.Data[o:], uint16(v))
	case Uint32:
		binary.LittleEndian.PutUint32(c.Data[o:], uint32(v))
	case Uint64:
		binary.LittleEndian.PutUint64(c.Data[o:], uint64(v))
	case Float32:
		binary.LittleEndian.PutUint32(c.Data[o:], math.Float32bits(float32(v)))
	default:
		panic(fmt.Sprintf("volume: unsupported data type %q", c.DataType))
	}
}

// Clone returns a deep copy.
func (c *ImageChunk) Clone() *ImageChunk {
	out := *c
	out.Data = append([]byte(nil), c.Data...)
	return &out
}

// MeshChunk is a triangle mesh fragment. Vertices holds x,y,z triples in
// physical units; Indices holds three vertex indices per triangle.
type MeshChunk struct {
	Addr     grid.ChunkAddress
	Enc      string
	Vertices []float32
	Indices  []uint32
}

func (m *MeshChunk) Address() grid.ChunkAddress { return m.Addr }
func (m *MeshChunk) Encoding() string           { return m.Enc }

// NumVertices returns len(Vertices)/3.
func (m *MeshChunk) NumVertices() int { return len(m.Vertices) / 3 }

// Vertex returns vertex i.
func (m *MeshChunk) Vertex(i int) [3]float32 {
	return [3]float32{m.Vertices[3*i], m.Vertices[3*i+1], m.Vertices[3*i+2]}
}

// Validate checks that every index references an existing vertex and that
// indices form whole triangles.
func (m *MeshChunk) Validate() error {
	if len(m.Vertices)%3 != 0 {
		return fmt.Errorf("vertex buffer length %d not a multiple of 3", len(m.Vertices))
	}
	if len(m.Indices)%3 != 0 {
		return fmt.Errorf("index buffer length %d not a multiple of 3", len(m.Indices))
	}
	n := uint32(m.NumVertices())
	for i, idx := range m.Indices {
		if idx >= n {
			return fmt.Errorf("index %d references vertex %d of %d", i, idx, n)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (m *MeshChunk) Clone() *MeshChunk {
	return &MeshChunk{
		Addr:     m.Addr,
		Enc:      m.Enc,
		Vertices: append([]float32(nil), m.Vertices...),
		Indices:  append([]uint32(nil), m.Indices...),
	}
}
