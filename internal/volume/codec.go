package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// EncodingRaw is the only image encoding written by this package.
const EncodingRaw = "raw"

// EncodingFragment tags legacy precomputed mesh fragments.
const EncodingFragment = "fragment"

// Compression is the transport compression applied to stored chunks.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Codec compresses and decompresses chunk objects. EncodeAll and DecodeAll
// on the zstd coders are safe for concurrent use, so one Codec is shared by
// all workers of an accessor.
type Codec struct {
	compression Compression
	zenc        *zstd.Encoder
	zdec        *zstd.Decoder
}

// NewCodec creates a codec that writes with the given compression.
func NewCodec(c Compression) (*Codec, error) {
	if c == "" {
		c = CompressionNone
	}
	switch c {
	case CompressionNone, CompressionGzip, CompressionZstd:
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{compression: c, zenc: enc, zdec: dec}, nil
}

// Compression returns the write-side compression.
func (c *Codec) Compression() Compression { return c.compression }

// Close releases coder resources.
func (c *Codec) Close() {
	if c.zenc != nil {
		c.zenc.Close()
	}
	if c.zdec != nil {
		c.zdec.Close()
	}
}

// Compress applies the configured compression.
func (c *Codec) Compress(raw []byte) ([]byte, error) {
	switch c.compression {
	case CompressionZstd:
		return c.zenc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return raw, nil
	}
}

// Decompress inflates gzip or zstd payloads recognised by their magic
// bytes. rawSize is the decoded size the caller expects, or -1 when it is
// not known up front. Raw data that happens to start with a magic number
// is returned unchanged when it does not inflate, or inflates to the wrong
// size, and its own length is plausible.
func (c *Codec) Decompress(data []byte, rawSize int64) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		out, err = c.zdec.DecodeAll(data, nil)
		if err != nil {
			err = fmt.Errorf("%w: zstd decompress: %v", ErrCorruptData, err)
		}
	case bytes.HasPrefix(data, gzipMagic):
		out, err = gunzip(data)
	default:
		return data, nil
	}
	if err == nil && (rawSize < 0 || int64(len(out)) == rawSize) {
		return out, nil
	}
	if rawSize < 0 || int64(len(data)) == rawSize {
		return data, nil
	}
	if err == nil {
		err = fmt.Errorf("%w: inflated to %d bytes, expected %d", ErrCorruptData, len(out), rawSize)
	}
	return nil, err
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip header: %v", ErrCorruptData, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip decompress: %v", ErrCorruptData, err)
	}
	return out, nil
}

// EncodeMesh serializes a mesh in the legacy precomputed fragment layout:
// uint32 vertex count, float32 xyz vertices, uint32 triangle indices, all
// little endian.
func EncodeMesh(m *MeshChunk) []byte {
	out := make([]byte, 4+4*len(m.Vertices)+4*len(m.Indices))
	binary.LittleEndian.PutUint32(out, uint32(m.NumVertices()))
	o := 4
	for _, v := range m.Vertices {
		binary.LittleEndian.PutUint32(out[o:], math.Float32bits(v))
		o += 4
	}
	for _, i := range m.Indices {
		binary.LittleEndian.PutUint32(out[o:], i)
		o += 4
	}
	return out
}

// DecodeMesh parses a legacy fragment.
func DecodeMesh(data []byte) (*MeshChunk, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: mesh fragment too short (%d bytes)", ErrCorruptData, len(data))
	}
	n := int(binary.LittleEndian.Uint32(data))
	vbytes := 12 * n
	if n < 0 || len(data)-4 < vbytes {
		return nil, fmt.Errorf("%w: mesh fragment declares %d vertices in %d bytes", ErrCorruptData, n, len(data))
	}
	rest := len(data) - 4 - vbytes
	if rest%12 != 0 {
		return nil, fmt.Errorf("%w: mesh fragment index block of %d bytes", ErrCorruptData, rest)
	}
	m := &MeshChunk{
		Enc:      EncodingFragment,
		Vertices: make([]float32, 3*n),
		Indices:  make([]uint32, rest/4),
	}
	o := 4
	for i := range m.Vertices {
		m.Vertices[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[o:]))
		o += 4
	}
	for i := range m.Indices {
		m.Indices[i] = binary.LittleEndian.Uint32(data[o:])
		o += 4
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	return m, nil
}
