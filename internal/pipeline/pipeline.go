// Package pipeline plans chunk work units over a region, runs a transform
// stage on each of them through the scheduler and records every outcome in
// the ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/catalog"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/ledger"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/metrics"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/scheduler"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/transform"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/volume"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

var (
	// ErrInvalidConfig is returned before dispatch when the pipeline cannot
	// run with its stage and volumes.
	ErrInvalidConfig = errors.New("invalid pipeline config")

	// ErrLedger is returned when outcomes could not be recorded.
	ErrLedger = errors.New("ledger append failed")
)

const skippedReason = "source chunk missing"

// Config is the per-pipeline policy. Nothing is shared between pipelines.
type Config struct {
	Scheduler scheduler.Config
	Params    transform.Params
	RunID     string // generated when empty
}

// Request selects the work of one run.
type Request struct {
	// Region limits the run to chunks intersecting it; nil means the whole
	// level.
	Region *grid.BBox
	Level  int
	// ResumeFrom, when non-nil, replaces enumeration with the addresses the
	// records leave unresolved at Level.
	ResumeFrom []ledger.Record
}

// Pipeline wires a stage between two volumes.
type Pipeline struct {
	cfg     Config
	stage   transform.Stage
	src     volume.Accessor
	dst     volume.Accessor
	ledger  ledger.Ledger
	catalog catalog.Writer
	metrics *metrics.Metrics
	log     *slog.Logger

	srcName, dstName string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics overrides the global metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithCatalog records runs in a catalog.
func WithCatalog(w catalog.Writer) Option {
	return func(p *Pipeline) { p.catalog = w }
}

// WithLogger overrides the logger. Runs otherwise log through
// logging.RunLogger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithVolumeNames sets the source and destination names used in summaries
// and the catalog.
func WithVolumeNames(src, dst string) Option {
	return func(p *Pipeline) { p.srcName, p.dstName = src, dst }
}

// New creates a pipeline. src and dst may be the same accessor.
func New(cfg Config, stage transform.Stage, src, dst volume.Accessor, led ledger.Ledger, opts ...Option) (*Pipeline, error) {
	switch {
	case stage == nil:
		return nil, fmt.Errorf("%w: no stage", ErrInvalidConfig)
	case src == nil || dst == nil:
		return nil, fmt.Errorf("%w: source and destination volumes are required", ErrInvalidConfig)
	case led == nil:
		return nil, fmt.Errorf("%w: no ledger", ErrInvalidConfig)
	}
	p := &Pipeline{
		cfg:     cfg,
		stage:   stage,
		src:     src,
		dst:     dst,
		ledger:  led,
		catalog: catalog.NoopWriter{},
		metrics: metrics.Get(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Plan returns the addresses a request would dispatch, in dispatch order.
func (p *Pipeline) Plan(req Request) ([]grid.ChunkAddress, error) {
	geom := p.src.Metadata()
	lvl, err := geom.Level(req.Level)
	if err != nil {
		return nil, err
	}

	var addrs []grid.ChunkAddress
	if req.ResumeFrom != nil {
		for _, a := range ledger.Unresolved(req.ResumeFrom, req.Level) {
			if !grid.Contains(geom, a) {
				return nil, fmt.Errorf("%w: ledger address %s outside the source grid", grid.ErrInvalidRegion, a)
			}
			if req.Region != nil {
				b, _ := grid.BoundsOf(geom, a)
				if b.Intersect(*req.Region).Empty() {
					continue
				}
			}
			addrs = append(addrs, a)
		}
		return addrs, nil
	}

	region := lvl.Bounds()
	if req.Region != nil {
		region = *req.Region
	}
	addrs, err = grid.Enumerate(geom, region, req.Level)
	if err != nil {
		return nil, err
	}
	if stride := transform.StrideOf(p.stage); stride != (grid.Vec3{1, 1, 1}) {
		addrs = grid.Align(addrs, stride)
	}
	return addrs, nil
}

// Run executes one request. Caller errors (bad region or level, geometry
// the stage rejects) are returned before anything is dispatched. A payload
// shape mismatch aborts the run and the returned error wraps it. The
// summary is returned whenever dispatch started, together with any error.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Summary, error) {
	started := time.Now().UTC()
	runID := p.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	correlationID := logging.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = logging.GenerateCorrelationID()
	}
	log := logging.RunLogger(correlationID, runID, p.stage.Name(), req.Level)
	if p.log != nil {
		log = p.log.With("correlation_id", correlationID, "run_id", runID, "stage", p.stage.Name(), "level", req.Level)
	}
	labels := metrics.Labels{Stage: p.stage.Name(), Level: req.Level}

	sc := transform.StageContext{
		Params:      p.cfg.Params,
		Source:      p.src.Metadata(),
		Destination: p.dst.Metadata(),
		Level:       req.Level,
	}
	addrs, err := p.Plan(req)
	if err != nil {
		return nil, fmt.Errorf("plan run: %w", err)
	}
	if v, ok := p.stage.(transform.Validator); ok {
		if err := v.Validate(sc); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	summary := &Summary{
		RunID:       runID,
		Stage:       p.stage.Name(),
		Level:       req.Level,
		Source:      p.srcName,
		Destination: p.dstName,
		StartedAt:   started,
		Planned:     len(addrs),
	}
	if len(addrs) == 0 {
		log.Info("nothing to do")
		return summary, nil
	}

	pending := make([]ledger.Record, len(addrs))
	for i, a := range addrs {
		pending[i] = ledger.Record{Address: a, Status: ledger.StatusPending, Timestamp: started, RunID: runID}
	}
	if err := p.ledger.Append(ctx, pending...); err != nil {
		return nil, fmt.Errorf("%w: record plan: %w", ErrLedger, err)
	}
	if m := p.metrics; m != nil {
		m.IncChunksPlanned(labels, len(addrs))
	}

	log.Info("starting run", "chunks", len(addrs), "resume", req.ResumeFrom != nil)

	r := &run{
		p:       p,
		runID:   runID,
		sc:      sc,
		labels:  labels,
		skipped: make(map[grid.ChunkAddress]bool),
		log:     log,
	}
	sched := scheduler.New(p.cfg.Scheduler, Classify,
		scheduler.WithObserver(r.observe),
		scheduler.WithLogger(log.With("component", "scheduler")),
	)
	res, runErr := sched.Run(ctx, addrs, r.execute)

	r.summarize(summary, res)
	if runErr != nil {
		summary.AbortReason = runErr.Error()
	}
	p.recordCatalog(summary, log)

	var rate float64
	if secs := summary.Elapsed.Seconds(); secs > 0 {
		rate = float64(summary.Succeeded+summary.Skipped) / secs
	}
	if m := p.metrics; m != nil {
		m.ObserveRunDuration(labels, summary.Elapsed.Seconds())
		m.SetChunksPerSecond(rate)
		if summary.Aborted {
			m.IncRunsAborted(labels)
		}
	}
	log.Info("run complete",
		"succeeded", summary.Succeeded,
		"skipped", summary.Skipped,
		"failed", len(summary.Failed),
		"pending", len(summary.Pending),
		"aborted", summary.Aborted,
		"cancelled", summary.Cancelled,
		"rate_per_sec", fmt.Sprintf("%.2f", rate),
		"duration", summary.Elapsed.String(),
	)

	switch {
	case runErr != nil:
		return summary, fmt.Errorf("run %s: %w", runID, runErr)
	case r.ledgerErr != nil:
		return summary, fmt.Errorf("%w: %w", ErrLedger, r.ledgerErr)
	case summary.Cancelled:
		return summary, fmt.Errorf("run %s: %w", runID, ctx.Err())
	}
	return summary, nil
}

// Classify maps unit errors onto scheduler decisions: shape mismatches
// abort, transient I/O and retryable stage errors retry, anything else
// fails the unit.
func Classify(err error) scheduler.Decision {
	switch {
	case errors.Is(err, volume.ErrPayloadShapeMismatch):
		return scheduler.Abort
	case errors.Is(err, volume.ErrTransientIO), transform.Retryable(err):
		return scheduler.Retry
	default:
		return scheduler.Fail
	}
}

func (p *Pipeline) recordCatalog(s *Summary, log *slog.Logger) {
	// The run is over; record it even when the caller's context is done.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec := catalog.RunRecord{
		RunID:           s.RunID,
		Stage:           s.Stage,
		Level:           s.Level,
		Source:          s.Source,
		Destination:     s.Destination,
		StartedAt:       s.StartedAt,
		Elapsed:         s.Elapsed,
		Planned:         s.Planned,
		Succeeded:       s.Succeeded,
		Skipped:         s.Skipped,
		Failed:          len(s.Failed),
		Pending:         len(s.Pending),
		Aborted:         s.Aborted,
		Cancelled:       s.Cancelled,
		ProducerVersion: Version,
	}
	if err := p.catalog.RecordRun(ctx, rec); err != nil {
		log.Warn("failed to record run in catalog", "error", err)
		if m := p.metrics; m != nil {
			m.IncCatalogErrors(metrics.Labels{Operation: "record_run"})
		}
		return
	}
	chunks := make([]catalog.ChunkRecord, len(s.Chunks))
	for i, c := range s.Chunks {
		chunks[i] = catalog.ChunkRecord{Address: c.Address, Status: c.Status, Attempts: c.Attempts, Reason: c.Reason}
	}
	if err := p.catalog.RecordChunks(ctx, s.RunID, chunks); err != nil {
		log.Warn("failed to record chunks in catalog", "error", err)
		if m := p.metrics; m != nil {
			m.IncCatalogErrors(metrics.Labels{Operation: "record_chunks"})
		}
	}
}

// run holds the state of one Run call shared by its workers.
type run struct {
	p      *Pipeline
	runID  string
	sc     transform.StageContext
	labels metrics.Labels
	log    *slog.Logger

	mu        sync.Mutex
	skipped   map[grid.ChunkAddress]bool
	ledgerErr error
}

// execute processes one unit: read the primary, read the declared
// neighbors, apply the stage and write every output.
func (r *run) execute(ctx context.Context, addr grid.ChunkAddress) error {
	p := r.p
	m := p.metrics
	if m != nil {
		m.InFlightChunks.Inc()
		defer m.InFlightChunks.Dec()
	}

	sc := r.sc
	sc.Address = addr

	readStart := time.Now()
	primary, err := p.src.Read(ctx, addr)
	missing := errors.Is(err, volume.ErrNotFound)
	switch {
	case missing && transform.AcceptsMissingPrimary(p.stage):
		primary = nil
	case missing:
		return r.missingPrimary(addr, err)
	case err != nil:
		r.storageError("read")
		return fmt.Errorf("read %s: %w", addr, err)
	}

	neighbors := make(map[grid.Vec3]volume.Payload)
	for _, off := range p.stage.RequiredNeighborOffsets() {
		n := addr.Add(off)
		if !grid.Contains(r.sc.Source, n) {
			continue
		}
		payload, err := p.src.Read(ctx, n)
		if errors.Is(err, volume.ErrNotFound) {
			continue
		}
		if err != nil {
			r.storageError("read")
			return fmt.Errorf("read neighbor %s of %s: %w", n, addr, err)
		}
		neighbors[off] = payload
	}
	if primary == nil && len(neighbors) == 0 {
		// The whole block is missing.
		return r.missingPrimary(addr, volume.ErrNotFound)
	}
	if m != nil {
		m.ObserveReadDuration(r.labels, time.Since(readStart).Seconds())
		if primary != nil {
			m.AddBytesRead(r.labels, payloadBytes(primary))
		}
	}

	applyStart := time.Now()
	outs, err := p.stage.Apply(sc, primary, neighbors)
	if err != nil {
		return err
	}
	if m != nil {
		m.ObserveTransformDuration(r.labels, time.Since(applyStart).Seconds())
	}

	writeStart := time.Now()
	for _, out := range outs {
		if err := p.dst.Write(ctx, out.Address(), out); err != nil {
			if !errors.Is(err, volume.ErrPayloadShapeMismatch) {
				r.storageError("write")
			}
			return fmt.Errorf("write %s: %w", out.Address(), err)
		}
		if m != nil {
			m.AddBytesWritten(r.labels, payloadBytes(out))
		}
	}
	if m != nil {
		m.ObserveWriteDuration(r.labels, time.Since(writeStart).Seconds())
	}
	logging.ChunkLogger(r.runID, addr).Debug("chunk done", "outputs", len(outs), "neighbors", len(neighbors))
	return nil
}

// missingPrimary applies the stage's missing input policy to a unit whose
// input is absent.
func (r *run) missingPrimary(addr grid.ChunkAddress, err error) error {
	if transform.Skippable(r.p.stage) {
		r.mu.Lock()
		r.skipped[addr] = true
		r.mu.Unlock()
		return nil
	}
	return &transform.TransformError{Stage: r.p.stage.Name(), Detail: skippedReason, Err: err}
}

func (r *run) storageError(op string) {
	if m := r.p.metrics; m != nil {
		m.IncStorageErrors(metrics.Labels{Stage: r.labels.Stage, Operation: op})
	}
}

func (r *run) isSkipped(addr grid.ChunkAddress) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped[addr]
}

// observe records terminal transitions in the ledger and metrics.
func (r *run) observe(u scheduler.WorkUnit) {
	m := r.p.metrics
	rec := ledger.Record{
		Address:   u.Address,
		Attempts:  u.Attempts,
		Reason:    u.Reason,
		Timestamp: time.Now().UTC(),
		RunID:     r.runID,
	}
	switch u.State {
	case scheduler.Succeeded:
		rec.Status = ledger.StatusSucceeded
		if r.isSkipped(u.Address) {
			rec.Reason = skippedReason
			if m != nil {
				m.IncChunksSkipped(r.labels)
			}
		} else if m != nil {
			m.IncChunksProcessed(r.labels)
		}
	case scheduler.Failed:
		rec.Status = ledger.StatusFailed
		if m != nil {
			m.IncChunksFailed(r.labels)
		}
	case scheduler.Retrying:
		if m != nil {
			m.IncRetryAttempts(r.labels)
		}
		return
	default:
		return
	}

	// Appends outlive cancellation so the ledger reflects finished work.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.p.ledger.Append(ctx, rec); err != nil {
		r.log.Error("failed to append ledger record", "chunk", u.Address.String(), "error", err)
		if m != nil {
			m.IncLedgerErrors(metrics.Labels{Backend: fmt.Sprintf("%T", r.p.ledger)})
		}
		r.mu.Lock()
		if r.ledgerErr == nil {
			r.ledgerErr = err
		}
		r.mu.Unlock()
	}
}

func (r *run) summarize(s *Summary, res *scheduler.Result) {
	s.Elapsed = res.Elapsed
	s.Aborted = res.Aborted
	s.Cancelled = res.Cancelled
	s.Failed = []FailedChunk{}
	s.Pending = []grid.ChunkAddress{}
	for _, u := range res.Table.Snapshot() {
		c := ChunkResult{Address: u.Address, Attempts: u.Attempts, Reason: u.Reason}
		switch u.State {
		case scheduler.Succeeded:
			if r.isSkipped(u.Address) {
				c.Status = "skipped"
				c.Reason = skippedReason
				s.Skipped++
			} else {
				c.Status = "succeeded"
				s.Succeeded++
			}
		case scheduler.Failed:
			c.Status = "failed"
			s.Failed = append(s.Failed, FailedChunk{Address: u.Address, Reason: u.Reason, Attempts: u.Attempts})
		default:
			c.Status = "pending"
			s.Pending = append(s.Pending, u.Address)
		}
		s.Chunks = append(s.Chunks, c)
	}
}

func payloadBytes(p volume.Payload) int64 {
	switch v := p.(type) {
	case *volume.ImageChunk:
		return int64(len(v.Data))
	case *volume.MeshChunk:
		return int64(4*len(v.Vertices) + 4*len(v.Indices))
	default:
		return 0
	}
}
