package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/catalog"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/config"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/ledger"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/metrics"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/pipeline"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/provenance"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/report"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/storage"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/transform"
	"github.com/withObsrvr/obsrvr-volume-copier/internal/volume"
)

// session holds everything a command opened from the configuration.
type session struct {
	cfg      config.Config
	stage    transform.Stage
	src      volume.Accessor
	dst      volume.Accessor
	dstStore storage.Store
	ledger   ledger.Ledger
	pipeline *pipeline.Pipeline
	catalog  catalog.Writer
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	logging.Setup(cfg.Logging)
	return cfg, nil
}

// openSession opens everything a run needs. A read-only session never
// writes destination info; info it would have committed is kept in memory.
func openSession(ctx context.Context, cfg config.Config, readOnly bool) (*session, error) {
	s := &session{cfg: cfg, catalog: catalog.NoopWriter{}}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	stage, err := transform.DefaultRegistry.New(cfg.Stage.Name, transform.Params(cfg.Stage.Params))
	if err != nil {
		return nil, err
	}
	s.stage = stage

	if s.src, err = volume.Open(ctx, cfg.Source); err != nil {
		return nil, fmt.Errorf("open source %s: %w", cfg.Source.URL, err)
	}
	if err := s.openDestination(ctx, readOnly); err != nil {
		return nil, err
	}
	if s.ledger, err = ledger.Open(cfg.Ledger); err != nil {
		return nil, err
	}
	if s.catalog, err = catalog.NewWriter(ctx, cfg.Catalog); err != nil {
		return nil, err
	}

	s.pipeline, err = pipeline.New(
		pipeline.Config{Scheduler: cfg.Scheduler, Params: transform.Params(cfg.Stage.Params)},
		s.stage, s.src, s.dst, s.ledger,
		pipeline.WithCatalog(s.catalog),
		pipeline.WithVolumeNames(cfg.Source.URL, cfg.Destination.URL),
	)
	if err != nil {
		return nil, err
	}
	ok = true
	return s, nil
}

// openDestination opens the destination volume, creating or extending its
// info from the source when the config asks for it.
func (s *session) openDestination(ctx context.Context, readOnly bool) error {
	dc := s.cfg.Destination
	store, err := storage.Open(ctx, dc.URL)
	if err != nil {
		return fmt.Errorf("open destination store %s: %w", dc.URL, err)
	}
	info, dirty, err := s.destinationInfo(ctx, store)
	if err != nil {
		store.Close()
		return err
	}

	if dirty && readOnly {
		store.Close()
		store = storage.NewMemStore()
	}
	if dirty {
		if err := volume.CommitInfo(ctx, store, info); err != nil {
			store.Close()
			return err
		}
	}

	acc, err := volume.OpenStore(ctx, store, dc.Config)
	if err != nil {
		store.Close()
		return fmt.Errorf("open destination %s: %w", dc.URL, err)
	}
	s.dst = acc
	s.dstStore = store
	return nil
}

// destinationInfo returns the info the destination should have and whether
// it differs from what is stored.
func (s *session) destinationInfo(ctx context.Context, store storage.Store) (*volume.Info, bool, error) {
	dc := s.cfg.Destination
	exists, err := store.Exists(ctx, volume.InfoKey)
	if err != nil {
		return nil, false, fmt.Errorf("check destination %s: %w", dc.URL, err)
	}

	var (
		info  *volume.Info
		dirty bool
	)
	switch {
	case exists:
		if info, err = volume.LoadInfo(ctx, store); err != nil {
			return nil, false, fmt.Errorf("open destination %s: %w", dc.URL, err)
		}
	case dc.Init != config.InitNone:
		src, ok := s.src.(interface{ Info() *volume.Info })
		if !ok {
			return nil, false, fmt.Errorf("source volume does not expose its info")
		}
		info = volume.DeriveInfo(src.Info(), dc.Encoding)
		dirty = true
	default:
		return nil, false, fmt.Errorf("open destination %s: %w", dc.URL, volume.ErrNotFound)
	}

	if dc.Init == config.InitAddScale && len(info.Scales) < s.cfg.Run.Level+2 {
		factor, err := downsampleFactor(s.cfg)
		if err != nil {
			return nil, false, err
		}
		if _, err := info.AddScale(factor); err != nil {
			return nil, false, err
		}
		dirty = true
	}
	return info, dirty, nil
}

func downsampleFactor(cfg config.Config) (grid.Vec3, error) {
	return transform.Params(cfg.Stage.Params).Vec3("factor", transform.DefaultDownsampleFactor)
}

func (s *session) Close() {
	if s.catalog != nil {
		s.catalog.Close()
	}
	if s.ledger != nil {
		s.ledger.Close()
	}
	if s.dst != nil {
		s.dst.Close()
	}
	if s.src != nil {
		s.src.Close()
	}
}

// request builds the run request; resume requests carry the ledger
// records they resolve against.
func (s *session) request(ctx context.Context, resume bool, from string) (pipeline.Request, error) {
	req := pipeline.Request{Region: s.cfg.Run.Region, Level: s.cfg.Run.Level}
	if !resume {
		return req, nil
	}
	if from == "" {
		from = s.cfg.Run.ResumeFrom
	}
	var (
		recs []ledger.Record
		err  error
	)
	if from != "" {
		recs, err = ledger.ReadFile(from)
	} else {
		recs, err = s.ledger.Records(ctx)
	}
	if err != nil {
		return req, fmt.Errorf("read resume ledger: %w", err)
	}
	if recs == nil {
		recs = []ledger.Record{}
	}
	req.ResumeFrom = recs
	return req, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-ch:
			slog.Info("received signal, draining in-flight chunks", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}

func execute(cmd *cobra.Command, resume bool, from string, strict bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.Component("main")
	log.Info("volume copier starting", "version", pipeline.Version, "git_sha", pipeline.GitSHA)

	if metrics.Get() == nil {
		metrics.Init(cfg.Metrics.Namespace)
	}
	if cfg.Metrics.Enabled {
		go func() {
			log.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())

	failed := 0
levels:
	for mip := 0; mip < cfg.Run.Mips(); mip++ {
		mcfg, err := mipConfig(cfg, mip)
		if err != nil {
			return err
		}
		summary, runErr := runLevel(ctx, cmd, mcfg, resume, from, log)
		if summary == nil {
			return runErr
		}
		failed += len(summary.Failed)
		switch {
		case summary.Aborted:
			return &exitErr{code: exitAborted, err: runErr}
		case runErr != nil:
			return runErr
		case !summary.Complete():
			// Higher levels would be built from an incomplete one.
			if mip+1 < cfg.Run.Mips() {
				log.Warn("stopping pyramid at incomplete level", "level", mcfg.Run.Level)
			}
			break levels
		}
	}

	if strict && failed > 0 {
		return &exitErr{code: exitFailed, err: fmt.Errorf("%d chunks failed", failed)}
	}
	return nil
}

// mipConfig derives the configuration of pyramid step mip. Steps after the
// first read the level the previous step wrote into the destination, over
// the region scaled down accordingly.
func mipConfig(cfg config.Config, mip int) (config.Config, error) {
	if mip == 0 {
		return cfg, nil
	}
	factor, err := downsampleFactor(cfg)
	if err != nil {
		return cfg, err
	}
	out := cfg
	out.Source = cfg.Destination.Config
	out.Source.FillMissing = cfg.Source.FillMissing
	out.Run.Level = cfg.Run.Level + mip
	if r := cfg.Run.Region; r != nil {
		scaled := *r
		for i := 0; i < mip; i++ {
			for a := 0; a < 3; a++ {
				scaled.Min[a] = scaled.Min[a] / factor[a]
				scaled.Max[a] = (scaled.Max[a] + factor[a] - 1) / factor[a]
			}
		}
		out.Run.Region = &scaled
	}
	return out, nil
}

// runLevel runs one level and writes its report and provenance.
func runLevel(ctx context.Context, cmd *cobra.Command, cfg config.Config, resume bool, from string, log *slog.Logger) (*pipeline.Summary, error) {
	s, err := openSession(ctx, cfg, false)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	req, err := s.request(ctx, resume, from)
	if err != nil {
		return nil, err
	}

	summary, runErr := s.pipeline.Run(ctx, req)
	if summary == nil {
		return nil, runErr
	}

	// Post-run bookkeeping must complete even after a signal.
	bg, done := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer done()
	s.writeReport(bg, summary, log)
	s.recordProvenance(bg, summary, log)

	printSummary(cmd, summary)
	return summary, runErr
}

func (s *session) writeReport(ctx context.Context, summary *pipeline.Summary, log *slog.Logger) {
	if s.cfg.Report.URL == "" {
		return
	}
	store, err := storage.Open(ctx, s.cfg.Report.URL)
	if err != nil {
		log.Error("failed to open report store", "error", err)
		return
	}
	defer store.Close()
	m, err := report.Write(ctx, store, summary)
	if err != nil {
		log.Error("failed to write run report", "error", err)
		return
	}
	log.Info("run report written", "summary", store.URI(report.Dir(summary.RunID)+report.SummaryFile), "checksum", m.ChunksChecksum)
}

func (s *session) recordProvenance(ctx context.Context, summary *pipeline.Summary, log *slog.Logger) {
	if !s.cfg.Provenance.Enabled || summary.Planned == 0 {
		return
	}
	method := provenance.Method{
		Stage:  summary.Stage,
		Params: s.cfg.Stage.Params,
		Level:  summary.Level,
		Source: s.cfg.Source.URL,
	}
	if r := s.cfg.Run.Region; r != nil {
		method.Region = r.String()
	}
	entry := provenance.ProcessingEntry{
		Method: method,
		By:     s.cfg.Provenance.By,
		Date:   summary.StartedAt,
		RunID:  summary.RunID,
		Outcome: provenance.Outcome{
			Planned:   summary.Planned,
			Succeeded: summary.Succeeded,
			Skipped:   summary.Skipped,
			Failed:    len(summary.Failed),
			Pending:   len(summary.Pending),
			Aborted:   summary.Aborted,
		},
		Producer: provenance.ProducerInfo{Name: "volume-copier", Version: pipeline.Version, GitSHA: pipeline.GitSHA},
	}
	base := provenance.Provenance{
		Description: s.cfg.Provenance.Description,
		Owners:      s.cfg.Provenance.Owners,
		Sources:     []string{s.cfg.Source.URL},
	}
	e, err := provenance.Record(ctx, s.dstStore, base, entry)
	if err != nil {
		log.Error("failed to record provenance", "error", err)
		return
	}
	log.Info("provenance recorded", "hash", e.Chain.Hash)
}

func printSummary(cmd *cobra.Command, s *pipeline.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %d planned, %d succeeded, %d skipped, %d failed, %d pending in %s\n",
		s.RunID, s.Planned, s.Succeeded, s.Skipped, len(s.Failed), len(s.Pending), s.Elapsed.Round(time.Millisecond))
	for _, f := range s.Failed {
		fmt.Fprintf(out, "  failed %s after %d attempts: %s\n", f.Address, f.Attempts, f.Reason)
	}
	if s.Aborted {
		fmt.Fprintf(out, "  aborted: %s\n", s.AbortReason)
	}
	if s.Cancelled {
		fmt.Fprintln(out, "  cancelled; resume to finish")
	}
}

func plan(cmd *cobra.Command, resume bool, limit int) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()
	s, err := openSession(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer s.Close()

	req, err := s.request(ctx, resume, "")
	if err != nil {
		return err
	}
	addrs, err := s.pipeline.Plan(req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d chunks at level %d\n", len(addrs), req.Level)
	for i, a := range addrs {
		if limit > 0 && i >= limit {
			fmt.Fprintf(out, "  ... %d more\n", len(addrs)-limit)
			break
		}
		fmt.Fprintf(out, "  %s\n", a)
	}
	return nil
}
