package volume

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/storage"
)

func testInfo(extent, chunk int64) *Info {
	return &Info{
		Type:        "image",
		DataType:    Uint16,
		NumChannels: 1,
		Scales: []Scale{{
			Key:        "8_8_8",
			Size:       grid.Vec3{extent, extent, extent},
			Resolution: [3]float64{8, 8, 8},
			ChunkSizes: []grid.Vec3{{chunk, chunk, chunk}},
			Encoding:   EncodingRaw,
		}},
	}
}

func openTest(t *testing.T, store storage.Store, info *Info, cfg Config) Accessor {
	t.Helper()
	ctx := context.Background()
	if info != nil {
		if err := CommitInfo(ctx, store, info); err != nil {
			t.Fatalf("CommitInfo() error = %v", err)
		}
	}
	acc, err := OpenStore(ctx, store, cfg)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	return acc
}

func TestImageRoundTripCompressed(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionGzip, CompressionZstd} {
		t.Run(string(c), func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemStore()
			w := openTest(t, store, testInfo(100, 50), Config{Kind: KindImage, Compression: c})

			addr := grid.ChunkAddress{Level: 0, X: 1, Y: 0, Z: 1}
			chunk := NewImageChunk(addr, Uint16, 1, grid.Vec3{50, 50, 50})
			chunk.Set(3, 4, 5, 0, 1234)
			chunk.Set(49, 49, 49, 0, 70000) // clamps
			if err := w.Write(ctx, addr, chunk); err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			// A reader configured without compression still detects it.
			r := openTest(t, store, nil, Config{Kind: KindImage})
			p, err := r.Read(ctx, addr)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			got := p.(*ImageChunk)
			if v := got.At(3, 4, 5, 0); v != 1234 {
				t.Errorf("At(3,4,5) = %v, want 1234", v)
			}
			if v := got.At(49, 49, 49, 0); v != 65535 {
				t.Errorf("At(49,49,49) = %v, want 65535", v)
			}
			if got.Address() != addr {
				t.Errorf("Address() = %v, want %v", got.Address(), addr)
			}
		})
	}
}

func TestImageRawDataStartingWithMagic(t *testing.T) {
	prefixes := map[string][]byte{
		"gzip": {0x1f, 0x8b},
		"zstd": {0x28, 0xb5, 0x2f, 0xfd},
	}
	for name, prefix := range prefixes {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemStore()
			acc := openTest(t, store, testInfo(4, 2), Config{Kind: KindImage, Compression: CompressionNone})

			addr := grid.ChunkAddress{X: 1}
			chunk := NewImageChunk(addr, Uint16, 1, grid.Vec3{2, 2, 2})
			copy(chunk.Data, prefix)
			chunk.Data[len(chunk.Data)-1] = 7
			if err := acc.Write(ctx, addr, chunk); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			p, err := acc.Read(ctx, addr)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			got := p.(*ImageChunk)
			if string(got.Data) != string(chunk.Data) {
				t.Errorf("Read() data = %x, want %x", got.Data, chunk.Data)
			}
		})
	}
}

func TestImageReadTruncatedGzip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	acc := openTest(t, store, testInfo(4, 2), Config{}).(*ImageAccessor)
	addr := grid.ChunkAddress{}
	key, _ := acc.Key(addr)
	if err := store.Put(ctx, key, []byte{0x1f, 0x8b, 8, 0}, ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := acc.Read(ctx, addr); !errors.Is(err, ErrCorruptData) {
		t.Errorf("Read() error = %v, want ErrCorruptData", err)
	}
}

func TestImageKeyUsesClippedBounds(t *testing.T) {
	store := storage.NewMemStore()
	acc := openTest(t, store, testInfo(130, 64), Config{}).(*ImageAccessor)
	key, err := acc.Key(grid.ChunkAddress{X: 2, Y: 0, Z: 1})
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if want := "8_8_8/128-130_0-64_64-128"; key != want {
		t.Errorf("Key() = %q, want %q", key, want)
	}
}

func TestImageReadMissing(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	acc := openTest(t, store, testInfo(100, 50), Config{})
	addr := grid.ChunkAddress{}

	if _, err := acc.Read(ctx, addr); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read() error = %v, want ErrNotFound", err)
	}

	filled := openTest(t, store, nil, Config{FillMissing: true})
	p, err := filled.Read(ctx, addr)
	if err != nil {
		t.Fatalf("Read() with FillMissing error = %v", err)
	}
	if c := p.(*ImageChunk); int64(len(c.Data)) != c.ExpectedBytes() {
		t.Errorf("filled chunk has %d bytes, want %d", len(c.Data), c.ExpectedBytes())
	}
}

func TestImageReadCorrupt(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	acc := openTest(t, store, testInfo(100, 50), Config{}).(*ImageAccessor)
	addr := grid.ChunkAddress{}
	key, _ := acc.Key(addr)
	if err := store.Put(ctx, key, []byte{1, 2, 3}, ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := acc.Read(ctx, addr); !errors.Is(err, ErrCorruptData) {
		t.Errorf("Read() error = %v, want ErrCorruptData", err)
	}
}

func TestImageWriteShapeMismatch(t *testing.T) {
	ctx := context.Background()
	acc := openTest(t, storage.NewMemStore(), testInfo(100, 50), Config{})
	addr := grid.ChunkAddress{}

	tests := []struct {
		name string
		p    Payload
	}{
		{"shape", NewImageChunk(addr, Uint16, 1, grid.Vec3{50, 50, 49})},
		{"dtype", NewImageChunk(addr, Uint8, 1, grid.Vec3{50, 50, 50})},
		{"channels", NewImageChunk(addr, Uint16, 2, grid.Vec3{50, 50, 50})},
		{"mesh", &MeshChunk{Addr: addr}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := acc.Write(ctx, addr, tt.p); !errors.Is(err, ErrPayloadShapeMismatch) {
				t.Errorf("Write() error = %v, want ErrPayloadShapeMismatch", err)
			}
		})
	}
}

func TestMeshRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	info := testInfo(100, 50)
	info.Type = "segmentation"
	info.Mesh = "mesh"
	acc := openTest(t, store, info, Config{Kind: KindMesh, Compression: CompressionGzip})

	addr := grid.ChunkAddress{X: 1, Y: 1, Z: 1}
	m := &MeshChunk{
		Addr:     addr,
		Vertices: []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		Indices:  []uint32{0, 1, 2},
	}
	if err := acc.Write(ctx, addr, m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if ok, _ := store.Exists(ctx, "mesh/8_8_8/50-100_50-100_50-100"); !ok {
		t.Fatalf("fragment not stored under the mesh directory")
	}
	p, err := acc.Read(ctx, addr)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	got := p.(*MeshChunk)
	if got.NumVertices() != 3 || len(got.Indices) != 3 {
		t.Fatalf("Read() = %d vertices %d indices, want 3/3", got.NumVertices(), len(got.Indices))
	}
	if v := got.Vertex(1); v != [3]float32{1, 0, 0} {
		t.Errorf("Vertex(1) = %v", v)
	}

	bad := &MeshChunk{Vertices: []float32{0, 0, 0}, Indices: []uint32{0, 1, 2}}
	if err := acc.Write(ctx, addr, bad); !errors.Is(err, ErrPayloadShapeMismatch) {
		t.Errorf("Write(invalid mesh) error = %v, want ErrPayloadShapeMismatch", err)
	}
}

func TestDecodeMeshTruncated(t *testing.T) {
	data := EncodeMesh(&MeshChunk{Vertices: []float32{1, 2, 3}, Indices: []uint32{0, 0, 0}})
	if _, err := DecodeMesh(data[:len(data)-2]); !errors.Is(err, ErrCorruptData) {
		t.Errorf("DecodeMesh(truncated) error = %v, want ErrCorruptData", err)
	}
}

func TestAddScale(t *testing.T) {
	info := testInfo(101, 64)
	info.Scales[0].VoxelOffset = grid.Vec3{10, 10, 10}
	lvl, err := info.AddScale(grid.Vec3{2, 2, 1})
	if err != nil {
		t.Fatalf("AddScale() error = %v", err)
	}
	s := info.Scales[lvl]
	if lvl != 1 {
		t.Errorf("level = %d, want 1", lvl)
	}
	if s.Size != (grid.Vec3{51, 51, 101}) {
		t.Errorf("Size = %v", s.Size)
	}
	if s.VoxelOffset != (grid.Vec3{5, 5, 10}) {
		t.Errorf("VoxelOffset = %v", s.VoxelOffset)
	}
	if s.Resolution != [3]float64{16, 16, 8} || s.Key != "16_16_8" {
		t.Errorf("Resolution = %v key %q", s.Resolution, s.Key)
	}
	if s.ChunkSizes[0] != (grid.Vec3{64, 64, 64}) {
		t.Errorf("ChunkSizes = %v", s.ChunkSizes)
	}
	if _, err := info.AddScale(grid.Vec3{0, 2, 2}); err == nil {
		t.Error("AddScale(0 factor) expected error")
	}
}

func TestDeriveInfoKeepsGeometry(t *testing.T) {
	src := testInfo(100, 50)
	dst := DeriveInfo(src, EncodingRaw)
	dst.Scales[0].ChunkSizes[0] = grid.Vec3{1, 1, 1}
	if src.Scales[0].ChunkSizes[0] != (grid.Vec3{50, 50, 50}) {
		t.Error("DeriveInfo shares chunk size slices with its source")
	}
}

// stallStore blocks every Get until the call context ends.
type stallStore struct {
	storage.Store
}

func (s stallStore) Get(ctx context.Context, key string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestReadTimeoutIsTransient(t *testing.T) {
	mem := storage.NewMemStore()
	if err := CommitInfo(context.Background(), mem, testInfo(100, 50)); err != nil {
		t.Fatalf("CommitInfo() error = %v", err)
	}
	info, _ := LoadInfo(context.Background(), mem)
	geom, _ := info.Geometry()
	codec, _ := NewCodec(CompressionNone)
	acc := &ImageAccessor{base: &base{
		store:   stallStore{mem},
		info:    info,
		geom:    geom,
		codec:   codec,
		timeout: 20 * time.Millisecond,
		logger:  discardLogger(),
	}}
	_, err := acc.Read(context.Background(), grid.ChunkAddress{})
	if !errors.Is(err, ErrTransientIO) {
		t.Errorf("Read() error = %v, want ErrTransientIO", err)
	}
}

func TestOpenUnknownKind(t *testing.T) {
	store := storage.NewMemStore()
	if err := CommitInfo(context.Background(), store, testInfo(100, 50)); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenStore(context.Background(), store, Config{Kind: "voxels"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("OpenStore() error = %v, want ErrInvalidConfig", err)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
