package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/delivery"
	"github.com/xaenox/tg-digest/internal/digest"
	"github.com/xaenox/tg-digest/internal/models"
	"github.com/xaenox/tg-digest/internal/ocr"
	"github.com/xaenox/tg-digest/internal/source"
	"github.com/xaenox/tg-digest/internal/storage"
	"github.com/xaenox/tg-digest/internal/summarizer"
)

// Phase selects which stage of a cycle runs. Every phase is independently
// resumable: each one re-derives its work from durable state, so a cycle
// interrupted anywhere picks up on the next run.
type Phase string

const (
	PhaseAll    Phase = "all"
	PhaseFetch  Phase = "fetch"
	PhaseMedia  Phase = "media"
	PhaseOCR    Phase = "ocr"
	PhaseDigest Phase = "digest"
)

// Config carries the filesystem layout and scheduling knobs of the pipeline.
type Config struct {
	MediaDir      string
	RepoDir       string
	StateDir      string
	OCRBatchLimit int
	// DailyHour is the local hour after which the fixed-time daily digest
	// fires, once per calendar day.
	DailyHour int
	Location  *time.Location
}

// ClientProvider hands out the chat-source client for a tenant.
type ClientProvider interface {
	Client(tenant models.Tenant) (source.Client, error)
}

// Options narrows one cycle to a phase and an optional tenant/source pair.
// Zero values mean "everything".
type Options struct {
	Phase    Phase
	TenantID int64
	SourceID int64
}

func (o Options) runs(ph Phase) bool {
	return o.Phase == "" || o.Phase == PhaseAll || o.Phase == ph
}

// Result summarizes one cycle.
type Result struct {
	RunID          uuid.UUID
	StartedAt      time.Time
	FinishedAt     time.Time
	Sources        int
	Failed         int
	Skipped        int
	UnitsIngested  int
	MediaStored    int
	TextsExtracted int
	Digests        int
	// Published lists artifact paths written this cycle, relative to the
	// repository root, for handoff to the external publisher.
	Published []string
}

// Pipeline drives the full ingest-extract-digest-deliver loop over all
// enabled tenants and sources, sequentially, with per-source error isolation.
type Pipeline struct {
	store     storage.Storage
	clients   ClientProvider
	ocr       *ocr.Service
	generator *digest.Generator
	updater   *digest.Updater
	artifacts *digest.ArtifactWriter
	engine    *delivery.Engine
	notifier  *delivery.Notifier
	state     *State
	tenants   []models.Tenant
	sources   []models.Source
	cfg       Config
	logger    *zap.Logger
}

func New(
	store storage.Storage,
	clients ClientProvider,
	ocrSvc *ocr.Service,
	generator *digest.Generator,
	updater *digest.Updater,
	artifacts *digest.ArtifactWriter,
	engine *delivery.Engine,
	notifier *delivery.Notifier,
	tenants []models.Tenant,
	sources []models.Source,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Pipeline{
		store:     store,
		clients:   clients,
		ocr:       ocrSvc,
		generator: generator,
		updater:   updater,
		artifacts: artifacts,
		engine:    engine,
		notifier:  notifier,
		state:     NewState(cfg.StateDir),
		tenants:   tenants,
		sources:   sources,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes cycles on a fixed interval until the context is canceled.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration, opts Options) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunCycle(ctx, opts); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			p.logger.Error("Cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle executes one pass over the selected tenants and sources. A
// failing source is logged and counted, never aborts the cycle; only a
// canceled context or a cycle-level failure returns an error.
func (p *Pipeline) RunCycle(ctx context.Context, opts Options) (*Result, error) {
	res := &Result{RunID: uuid.New(), StartedAt: time.Now().UTC()}
	publish := digest.NewPublishSet()

	if err := p.state.Heartbeat(res.StartedAt); err != nil {
		p.logger.Warn("Heartbeat write failed", zap.Error(err))
	}

	p.logger.Info("Cycle started",
		zap.String("run_id", res.RunID.String()),
		zap.String("phase", string(opts.Phase)))

	if opts.runs(PhaseFetch) {
		p.resolveNames(ctx)
	}

	work := p.selectWork(opts)

	if opts.runs(PhaseFetch) || opts.runs(PhaseMedia) {
		for _, tw := range groupByTenant(work) {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Sources += len(tw.sources)
			if err := p.ingestTenant(ctx, tw.tenant, tw.sources, opts, res); err != nil {
				res.Failed += len(tw.sources)
				p.logger.Error("Tenant ingest failed",
					zap.Int64("tenant_id", tw.tenant.ID),
					zap.Int("sources", len(tw.sources)),
					zap.Error(err))
			}
		}
	}

	if opts.runs(PhaseOCR) {
		n, err := p.runOCR(ctx)
		res.TextsExtracted = n
		if err != nil {
			return res, fmt.Errorf("OCR phase: %w", err)
		}
	}

	if opts.runs(PhaseDigest) {
		for _, w := range work {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if err := p.digestSource(ctx, w.tenant, w.src, publish, res); err != nil {
				res.Failed++
				p.logger.Error("Source digest failed",
					zap.Int64("tenant_id", w.tenant.ID),
					zap.Int64("source_id", w.src.ID),
					zap.Error(err))
			}
		}
	}

	res.FinishedAt = time.Now().UTC()
	res.Published = publish.Paths()

	if err := p.state.Heartbeat(res.FinishedAt); err != nil {
		p.logger.Warn("Heartbeat write failed", zap.Error(err))
	}

	p.logger.Info("Cycle finished",
		zap.String("run_id", res.RunID.String()),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
		zap.Int("sources", res.Sources),
		zap.Int("failed", res.Failed),
		zap.Int("units", res.UnitsIngested),
		zap.Int("media", res.MediaStored),
		zap.Int("ocr", res.TextsExtracted),
		zap.Int("digests", res.Digests),
		zap.Int("published", len(res.Published)))

	p.notifyTenants(ctx, work, res)
	return res, nil
}

type workItem struct {
	tenant models.Tenant
	src    models.Source
}

type tenantWork struct {
	tenant  models.Tenant
	sources []models.Source
}

// groupByTenant batches work items per tenant, preserving configuration
// order. Ingestion runs per tenant because one upstream poll serves all of a
// tenant's sources.
func groupByTenant(work []workItem) []tenantWork {
	var groups []tenantWork
	index := make(map[int64]int)
	for _, w := range work {
		i, ok := index[w.tenant.ID]
		if !ok {
			i = len(groups)
			index[w.tenant.ID] = i
			groups = append(groups, tenantWork{tenant: w.tenant})
		}
		groups[i].sources = append(groups[i].sources, w.src)
	}
	return groups
}

func (p *Pipeline) selectWork(opts Options) []workItem {
	tenantByID := make(map[int64]models.Tenant, len(p.tenants))
	for _, t := range p.tenants {
		tenantByID[t.ID] = t
	}

	var work []workItem
	for _, src := range p.sources {
		if !src.Enabled {
			continue
		}
		if opts.TenantID != 0 && src.TenantID != opts.TenantID {
			continue
		}
		if opts.SourceID != 0 && src.ID != opts.SourceID {
			continue
		}
		tenant, ok := tenantByID[src.TenantID]
		if !ok || !tenant.Enabled {
			continue
		}
		work = append(work, workItem{tenant: tenant, src: src})
	}
	return work
}

// resolveNames backfills display names for sources configured without one,
// asking the upstream for chat metadata. Best effort: an unresolved source
// keeps its empty name.
func (p *Pipeline) resolveNames(ctx context.Context) {
	tenantByID := make(map[int64]models.Tenant, len(p.tenants))
	for _, t := range p.tenants {
		tenantByID[t.ID] = t
	}

	for i := range p.sources {
		src := &p.sources[i]
		if src.Name != "" || !src.Enabled {
			continue
		}

		client, err := p.clients.Client(tenantByID[src.TenantID])
		if err != nil {
			continue
		}
		meta, err := client.ResolveSourceMetadata(ctx, src.ID)
		if err != nil {
			p.logger.Warn("Failed to resolve source name",
				zap.Int64("source_id", src.ID),
				zap.Error(err))
			continue
		}

		src.Name = meta.DisplayName
		p.logger.Info("Resolved source name",
			zap.Int64("source_id", src.ID),
			zap.String("name", meta.DisplayName))
	}
}

// ingestTenant fetches new units past each source's persisted high-water
// mark with one upstream poll for the whole tenant, then stores them with
// their attachments. The upstream acknowledges update batches globally per
// bot, so polling per source would discard sibling sources' units. Units are
// persisted before any media download, so a crash mid-tenant loses at most
// re-downloadable bytes.
func (p *Pipeline) ingestTenant(ctx context.Context, tenant models.Tenant, sources []models.Source, opts Options, res *Result) error {
	client, err := p.clients.Client(tenant)
	if err != nil {
		return fmt.Errorf("no client for tenant %d: %w", tenant.ID, err)
	}

	var staged []stagedAttachment

	if opts.runs(PhaseFetch) {
		after := make(map[models.SourceKey]int64, len(sources))
		for _, src := range sources {
			maxID, err := p.store.MaxUnitID(ctx, src.Key())
			if err != nil {
				return fmt.Errorf("failed to read high-water mark for source %d: %w", src.ID, err)
			}
			after[src.Key()] = maxID
		}

		fetched, err := client.FetchNewUnits(ctx, sources, after)
		if err != nil {
			if errors.Is(err, source.ErrSourceGone) {
				res.Skipped += len(sources)
				p.logger.Warn("Sources gone upstream, skipping",
					zap.Int64("tenant_id", tenant.ID),
					zap.Int("sources", len(sources)))
				return nil
			}
			return fmt.Errorf("fetch failed: %w", err)
		}

		for _, src := range sources {
			for _, f := range fetched[src.Key()] {
				unit := f.Unit
				if err := p.store.UpsertUnit(ctx, &unit); err != nil {
					return fmt.Errorf("failed to persist unit %d: %w", unit.UnitID, err)
				}
				res.UnitsIngested++

				for _, ref := range f.Attachments {
					staged = append(staged, stagedAttachment{
						tenant: tenant,
						src:    src,
						unitID: unit.UnitID,
						ref:    ref,
					})
				}
			}
		}
	}

	if opts.runs(PhaseMedia) {
		for _, a := range staged {
			stored, err := p.downloadAttachment(ctx, client, a)
			if err != nil {
				// One broken attachment does not fail the source.
				p.logger.Warn("Attachment download failed",
					zap.Int64("unit_id", a.unitID),
					zap.Error(err))
				continue
			}
			if stored {
				res.MediaStored++
			}
		}
	}

	return nil
}

// digestSource runs the digest phase for one source: the incremental window
// digest when new units exist, plus the fixed-time daily digest once per day.
// The cursor advances inside the same storage transaction that records the
// digest: a failed generation retries the same (possibly grown) window next
// cycle, while a failure after the digest committed (artifact write,
// delivery) never re-digests the window or strands the source on the
// interval-overlap check.
func (p *Pipeline) digestSource(ctx context.Context, tenant models.Tenant, src models.Source, publish *digest.PublishSet, res *Result) error {
	key := src.Key()
	now := time.Now()
	day := now.In(p.cfg.Location).Format("2006-01-02")

	w, err := digest.BuildWindow(ctx, p.store, key)
	if err != nil {
		return err
	}

	if !w.Empty() {
		d, err := p.generator.Generate(ctx, src, w)
		if err != nil {
			if summarizer.IsTransient(err) {
				p.logger.Warn("Transient digest failure, window retried next cycle",
					zap.Int64("source_id", src.ID),
					zap.String("window", w.String()),
					zap.Error(err))
			}
			return err
		}

		relPath, err := p.artifacts.Write(src, d, day)
		if err != nil {
			return err
		}
		publish.Add(relPath)

		changeNote := p.maybeUpdateConsolidated(ctx, src, day, publish)
		p.deliver(ctx, tenant, src, d, relPath, changeNote)
		res.Digests++
	}

	if p.dailyDue(now, key) {
		cw := digest.BuildCalendarWindow(now, p.cfg.Location)
		d, err := p.generator.GenerateDaily(ctx, src, cw)
		if err != nil {
			return err
		}

		relPath, err := p.artifacts.Write(src, d, cw.Day)
		if err != nil {
			return err
		}
		publish.Add(relPath)

		p.deliver(ctx, tenant, src, d, relPath, "")

		if err := p.state.MarkDay(dailyStampName(key), cw.Day); err != nil {
			p.logger.Warn("Failed to stamp daily digest", zap.Error(err))
		}
		res.Digests++
	}

	return nil
}

// dailyDue reports whether the fixed-time daily digest should fire: the local
// hour has been reached and no daily digest was recorded for today yet.
func (p *Pipeline) dailyDue(now time.Time, key models.SourceKey) bool {
	local := now.In(p.cfg.Location)
	if local.Hour() < p.cfg.DailyHour {
		return false
	}
	return p.state.LastDay(dailyStampName(key)) != local.Format("2006-01-02")
}

// maybeUpdateConsolidated rewrites the source's consolidated document at most
// once per day. A source without a document yet is updated immediately,
// regardless of the throttle. Failures degrade to "no change note": the
// digest still goes out.
func (p *Pipeline) maybeUpdateConsolidated(ctx context.Context, src models.Source, day string, publish *digest.PublishSet) string {
	key := src.Key()

	exists, err := p.updater.Exists(ctx, src)
	if err != nil {
		p.logger.Warn("Consolidated doc lookup failed", zap.Error(err))
		return ""
	}
	if exists && p.state.LastDay(consolidatedStampName(key)) == day {
		return ""
	}

	relPath, note, err := p.updater.Update(ctx, src)
	if err != nil {
		p.logger.Warn("Consolidated doc update failed",
			zap.Int64("source_id", src.ID),
			zap.Error(err))
		return ""
	}

	publish.Add(relPath)
	if err := p.state.MarkDay(consolidatedStampName(key), day); err != nil {
		p.logger.Warn("Failed to stamp consolidated update", zap.Error(err))
	}
	return note
}

// deliver fans the digest out to recipients. Delivery failures are recorded
// per attempt and never block the cursor: the digest itself is already
// durable.
func (p *Pipeline) deliver(ctx context.Context, tenant models.Tenant, src models.Source, d *models.Digest, relPath, changeNote string) {
	fileData, err := os.ReadFile(filepath.Join(p.cfg.RepoDir, relPath))
	if err != nil {
		p.logger.Warn("Digest artifact unreadable for delivery",
			zap.String("path", relPath),
			zap.Error(err))
		fileData = nil
	}

	payload := delivery.Payload{
		Digest:     d,
		FileName:   filepath.Base(relPath),
		FileData:   fileData,
		ChangeNote: changeNote,
	}
	if _, err := p.engine.Deliver(ctx, tenant, src, payload); err != nil {
		p.logger.Error("Delivery failed",
			zap.Int64("source_id", src.ID),
			zap.Int64("digest_id", d.ID),
			zap.Error(err))
	}
}

func (p *Pipeline) notifyTenants(ctx context.Context, work []workItem, res *Result) {
	if p.notifier == nil {
		return
	}

	var msg string
	switch {
	case res.Failed > 0:
		msg = fmt.Sprintf("Cycle %s: %d source(s) FAILED (%d units, %d digests ok)",
			res.RunID.String()[:8], res.Failed, res.UnitsIngested, res.Digests)
	case res.UnitsIngested == 0 && res.Digests == 0:
		msg = fmt.Sprintf("Cycle %s: no new units", res.RunID.String()[:8])
	default:
		msg = fmt.Sprintf("Cycle %s: %d units, %d media, %d texts, %d digests",
			res.RunID.String()[:8],
			res.UnitsIngested, res.MediaStored, res.TextsExtracted, res.Digests)
	}

	seen := make(map[int64]bool)
	for _, w := range work {
		if seen[w.tenant.ID] {
			continue
		}
		seen[w.tenant.ID] = true
		p.notifier.Notify(ctx, w.tenant, msg)
	}
}
