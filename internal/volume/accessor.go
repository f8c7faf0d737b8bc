// Package volume reads and writes chunk payloads of a neuroglancer
// precomputed volume held in object storage.
package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/storage"
)

// Kind selects the accessor variant.
type Kind string

const (
	KindImage Kind = "image"
	KindMesh  Kind = "mesh"
)

// ErrInvalidConfig is returned by Open for unusable accessor settings.
var ErrInvalidConfig = errors.New("invalid volume config")

// Accessor reads and writes chunk payloads by address. Implementations are
// safe for concurrent use by independent workers on distinct addresses.
type Accessor interface {
	Read(ctx context.Context, addr grid.ChunkAddress) (Payload, error)
	Write(ctx context.Context, addr grid.ChunkAddress, p Payload) error
	Metadata() grid.VolumeGeometry
	Close() error
}

// Config configures an accessor.
type Config struct {
	Kind        Kind          `yaml:"kind"`
	URL         string        `yaml:"url"`
	FillMissing bool          `yaml:"fill_missing"`
	Compression Compression   `yaml:"compression"`
	IOTimeout   time.Duration `yaml:"io_timeout"`
	RateLimit   float64       `yaml:"rate_limit"` // calls per second, 0 = unlimited
	RateBurst   int           `yaml:"rate_burst"`
}

// Open opens the store at cfg.URL, loads its info and returns the
// configured variant. The accessor owns the store.
func Open(ctx context.Context, cfg Config) (Accessor, error) {
	store, err := storage.Open(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open volume store: %w", err)
	}
	acc, err := OpenStore(ctx, store, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	return acc, nil
}

// Create commits info to the store at cfg.URL and opens it.
func Create(ctx context.Context, cfg Config, info *Info) (Accessor, error) {
	store, err := storage.Open(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open volume store: %w", err)
	}
	if err := CommitInfo(ctx, store, info); err != nil {
		store.Close()
		return nil, err
	}
	acc, err := OpenStore(ctx, store, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	return acc, nil
}

// OpenStore builds an accessor over an already opened store.
func OpenStore(ctx context.Context, store storage.Store, cfg Config) (Accessor, error) {
	info, err := LoadInfo(ctx, store)
	if err != nil {
		return nil, err
	}
	geom, err := info.Geometry()
	if err != nil {
		return nil, err
	}
	codec, err := NewCodec(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	b := &base{
		store:   store,
		info:    info,
		geom:    geom,
		codec:   codec,
		timeout: cfg.IOTimeout,
		logger:  slog.With("component", "volume", "url", store.URI(""), "kind", string(cfg.Kind)),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	switch cfg.Kind {
	case KindImage, "":
		return &ImageAccessor{base: b, fillMissing: cfg.FillMissing}, nil
	case KindMesh:
		dir := info.Mesh
		if dir == "" {
			dir = "mesh"
		}
		return &MeshAccessor{base: b, dir: dir, fillMissing: cfg.FillMissing}, nil
	default:
		codec.Close()
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, cfg.Kind)
	}
}

// base holds what both variants share: the store, geometry and the
// per-call deadline and rate limit applied to every storage round trip.
type base struct {
	store   storage.Store
	info    *Info
	geom    grid.VolumeGeometry
	codec   *Codec
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Metadata returns the volume geometry.
func (b *base) Metadata() grid.VolumeGeometry { return b.geom }

// Info returns a copy of the volume's info document.
func (b *base) Info() *Info { return b.info.Clone() }

// Close releases the codec and the store.
func (b *base) Close() error {
	b.codec.Close()
	return b.store.Close()
}

// do runs fn under the rate limiter and the per-call deadline, and maps
// storage errors onto the volume taxonomy.
func (b *base) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	callCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	return translate(ctx, fn(callCtx))
}

// get fetches and inflates an object; rawSize is passed to Decompress.
func (b *base) get(ctx context.Context, key string, rawSize int64) ([]byte, error) {
	var data []byte
	err := b.do(ctx, func(ctx context.Context) error {
		var err error
		data, err = b.store.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return b.codec.Decompress(data, rawSize)
}

func (b *base) put(ctx context.Context, key string, raw []byte) error {
	data, err := b.codec.Compress(raw)
	if err != nil {
		return err
	}
	contentType := "application/octet-stream"
	switch b.codec.Compression() {
	case CompressionGzip:
		contentType = "application/gzip"
	case CompressionZstd:
		contentType = "application/zstd"
	}
	return b.do(ctx, func(ctx context.Context) error {
		return b.store.Put(ctx, key, data, contentType)
	})
}

// bounds validates addr and returns its scale and clipped voxel box.
func (b *base) bounds(addr grid.ChunkAddress) (Scale, grid.BBox, error) {
	box, err := grid.BoundsOf(b.geom, addr)
	if err != nil {
		return Scale{}, grid.BBox{}, err
	}
	return b.info.Scales[addr.Level], box, nil
}
