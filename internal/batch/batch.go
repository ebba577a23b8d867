// Package batch runs a download batch: a fixed pool of workers that
// resolve, fetch, clean and pack documents, pausing together whenever the
// platform's captcha counter runs out.
package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docbatch/internal/archive"
	"docbatch/internal/budget"
	"docbatch/internal/captcha"
	"docbatch/internal/metrics"
	"docbatch/internal/models"
	"docbatch/internal/naming"
	"docbatch/internal/pause"
	"docbatch/internal/postprocess"
	"docbatch/internal/progress"
)

// DefaultMaxWorkers caps the pool size.
const DefaultMaxWorkers = 4

// Remote is what a batch needs from the API client.
type Remote interface {
	Profile(ctx context.Context) (*models.Profile, error)
	ResolveDownload(ctx context.Context, documentID int64) (models.Resolution, error)
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// ResolverFactory builds the human-verification step for one batch.
type ResolverFactory func(remote Remote, ui progress.UI) pause.Resolver

// Options configures every batch a Runner starts.
type Options struct {
	MaxWorkers          int
	GroupByFolder       bool
	ArchivePassword     string
	CaptchaPollInterval time.Duration
	// NewResolver overrides the default captcha helper.
	NewResolver ResolverFactory
}

// Runner holds the stateless collaborators shared by batches.
type Runner struct {
	remote  Remote
	post    postprocess.Processor
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewRunner(remote Remote, post postprocess.Processor, opts Options, logger *zap.Logger, m *metrics.Metrics) *Runner {
	if post == nil {
		post = postprocess.Passthrough{}
	}
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.NewResolver == nil {
		interval := opts.CaptchaPollInterval
		opts.NewResolver = func(r Remote, ui progress.UI) pause.Resolver {
			return captcha.NewHelper(r, interval, ui, logger.Named("captcha"))
		}
	}
	return &Runner{remote: remote, post: post, opts: opts, logger: logger, metrics: m}
}

// WithGrouping returns a copy of r with folder grouping set to group.
func (r *Runner) WithGrouping(group bool) *Runner {
	c := *r
	c.opts.GroupByFolder = group
	return &c
}

// Result is the outcome of one batch. Archive is nil unless the status
// carries one.
type Result struct {
	Record  models.BatchRecord
	Archive *archive.Archive
}

// Message renders the end-of-batch report shown to the user.
func (r *Result) Message() string {
	var b strings.Builder
	switch r.Record.Status {
	case models.BatchCancelled:
		return "download cancelled by user"
	case models.BatchFailed:
		b.WriteString("no file could be downloaded.")
	default:
		fmt.Fprintf(&b, "ZIP ready: %s (%d files)", r.Record.ArchiveName, r.Record.Succeeded)
		if len(r.Record.Skipped) > 0 {
			fmt.Fprintf(&b, "\n%d file(s) unavailable:", len(r.Record.Skipped))
		}
	}
	for _, s := range r.Record.Skipped {
		fmt.Fprintf(&b, "\n• %s: %s", s.Name, s.Reason)
	}
	return b.String()
}

// run is the per-batch state. Every stateful component is fresh per batch.
type run struct {
	*Runner

	docs   []models.Document
	ui     progress.UI
	budget *budget.Budget
	gate   *pause.Gate
	packer *archive.Packager
	logger *zap.Logger

	// ctx carries network calls; waitCtx additionally ends on user cancel
	// and bounds only the pause wait.
	ctx     context.Context
	waitCtx context.Context

	mu        sync.Mutex
	next      int
	completed int
	skipped   []models.SkipRecord
	abandoned bool
}

// Run processes docs and returns the batch outcome. It never returns an
// error for per-document failures; those become skip records.
func (r *Runner) Run(ctx context.Context, docs []models.Document, batchName, source string, ui progress.UI) *Result {
	start := time.Now()
	id := uuid.NewString()
	logger := r.logger.With(zap.String("batch_id", id), zap.String("batch", batchName))

	r.metrics.ActiveBatches.Inc()
	defer r.metrics.ActiveBatches.Dec()

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	ui.OnCancel(cancelWait)

	b := budget.New(r.remote, logger.Named("budget"), r.metrics)
	resolver := r.opts.NewResolver(r.remote, ui)
	if c, ok := resolver.(interface{ Close() }); ok {
		ui.OnCancel(c.Close)
	}

	st := &run{
		Runner:  r,
		docs:    docs,
		ui:      ui,
		budget:  b,
		gate:    pause.New(b, resolver, ui, logger.Named("pause"), r.metrics),
		packer:  archive.New(batchName, r.opts.ArchivePassword, r.metrics),
		logger:  logger,
		ctx:     ctx,
		waitCtx: waitCtx,
	}

	ui.SetStatus("starting batch download")
	ui.SetTotal(len(docs))
	ui.SetProgress(0, len(docs))

	st.preflight()

	workers := min(r.opts.MaxWorkers, len(docs))
	if workers < 1 {
		workers = 1
	}
	logger.Info("batch started", zap.Int("documents", len(docs)), zap.Int("workers", workers))

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			r.metrics.ActiveWorkers.Inc()
			defer r.metrics.ActiveWorkers.Dec()
			st.work()
			return nil
		})
	}
	g.Wait()

	res := st.finish(id, batchName, source, start)

	r.metrics.BatchesTotal.WithLabelValues(string(res.Record.Status)).Inc()
	r.metrics.BatchDurationHist.Observe(time.Since(start).Seconds())
	r.metrics.DocumentsRequestedHist.Observe(float64(len(docs)))
	r.metrics.DocumentsPackedHist.Observe(float64(res.Record.Succeeded))
	logger.Info("batch finished",
		zap.String("status", string(res.Record.Status)),
		zap.Int("succeeded", res.Record.Succeeded),
		zap.Int("skipped", len(res.Record.Skipped)),
		zap.Duration("duration", time.Since(start)),
	)
	return res
}

// preflight warns when the known budget will not cover the whole batch.
func (st *run) preflight() {
	st.ui.SetStatus("checking captcha counter")
	st.budget.Refresh(st.ctx)
	n, known := st.budget.Remaining()
	if known && len(st.docs) > n {
		msg := fmt.Sprintf("this batch has %d files but only %d can be downloaded before the platform asks for a captcha; the download will pause midway and resume once it is solved", len(st.docs), n)
		st.logger.Warn("batch exceeds captcha counter", zap.Int("documents", len(st.docs)), zap.Int("captcha_counter", n))
		st.ui.SetStatus(msg)
	}
}

// abandonReason marks the documents left over when a pause is given up.
const abandonReason = "captcha not solved"

func (st *run) cancelled() bool {
	return st.ui.IsCancelled() || st.ctx.Err() != nil
}

// stopped reports whether workers must stop claiming documents.
func (st *run) stopped() bool {
	if st.cancelled() {
		return true
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.abandoned
}

// abandon stops every worker after a pause cycle ended without the captcha
// being solved. doc was in flight and is skipped; a user cancel skips nothing.
func (st *run) abandon(doc *models.Document) bool {
	if st.cancelled() {
		return false
	}
	st.mu.Lock()
	st.abandoned = true
	st.mu.Unlock()
	st.skip(doc, abandonReason)
	return false
}

// skipUnclaimed records every document no worker reached.
func (st *run) skipUnclaimed() {
	st.mu.Lock()
	rest := st.docs[st.next:]
	st.next = len(st.docs)
	st.mu.Unlock()

	for i := range rest {
		st.skip(&rest[i], abandonReason)
	}
}

// claim hands out the next unclaimed index.
func (st *run) claim() (int, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.next >= len(st.docs) {
		return 0, false
	}
	i := st.next
	st.next++
	return i, true
}

func (st *run) work() {
	for {
		if st.stopped() {
			return
		}
		i, ok := st.claim()
		if !ok {
			return
		}
		if !st.process(&st.docs[i]) {
			return
		}
	}
}

// process drives one document to packed or skipped. It returns false when
// the worker must stop: the batch was cancelled or a pause was abandoned.
func (st *run) process(doc *models.Document) bool {
	for {
		if st.stopped() {
			return st.abandon(doc)
		}
		if st.gate.Paused() && !st.gate.Wait(st.waitCtx) {
			return st.abandon(doc)
		}
		if !st.budget.TryConsume() {
			if !st.gate.Trigger(st.waitCtx, doc.Name) {
				return st.abandon(doc)
			}
			continue
		}

		st.setStatus(fmt.Sprintf("downloading %d/%d: %s", st.done()+1, len(st.docs), doc.Name))
		res, err := st.remote.ResolveDownload(st.ctx, doc.ID)
		switch {
		case err != nil:
			// The request may have reached the remote, so the unit stays spent.
			st.metrics.ResolutionsTotal.WithLabelValues("error").Inc()
			st.skip(doc, err.Error())
			return true

		case res.OK():
			st.metrics.ResolutionsTotal.WithLabelValues("ok").Inc()
			if err := st.pack(doc, res.URL); err != nil {
				st.skip(doc, err.Error())
				return true
			}
			st.complete(doc)
			return true

		case res.RateLimited():
			st.metrics.ResolutionsTotal.WithLabelValues("rate_limited").Inc()
			st.budget.Refund()
			st.logger.Info("rate limited by remote", zap.Int64("document_id", doc.ID))
			if !st.gate.Trigger(st.waitCtx, doc.Name) {
				return st.abandon(doc)
			}

		default:
			st.metrics.ResolutionsTotal.WithLabelValues("rejected").Inc()
			st.budget.Refund()
			st.skip(doc, res.Reason())
			return true
		}
	}
}

// pack fetches, optionally cleans and stores one document. A panic in any
// step is reported as an error for this document only.
func (st *run) pack(doc *models.Document, url string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			st.logger.Error("panic while packing document", zap.Int64("document_id", doc.ID), zap.Any("panic", p))
			err = fmt.Errorf("internal error: %v", p)
		}
	}()

	data, err := st.remote.FetchBytes(st.ctx, url)
	if err != nil {
		return err
	}
	st.logger.Debug("document fetched", zap.Int64("document_id", doc.ID), zap.Int("bytes", len(data)))

	if st.post.Applies(doc.FileType) {
		st.setStatus(fmt.Sprintf("cleaning %s (%d/%d)", doc.Name, st.done()+1, len(st.docs)))
		cleaned, err := st.post.Process(st.ctx, data)
		if err != nil {
			st.metrics.PostProcessTotal.WithLabelValues("error").Inc()
			return err
		}
		st.metrics.PostProcessTotal.WithLabelValues("success").Inc()
		data = cleaned
	}

	return st.packer.Add(naming.EntryPath(doc, st.opts.GroupByFolder), data)
}

func (st *run) done() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.completed
}

func (st *run) complete(doc *models.Document) {
	st.logger.Debug("document packed", zap.String("document", doc.Name))
	st.metrics.DocumentsTotal.WithLabelValues("packed").Inc()
	st.advance(fmt.Sprintf("completed %%d/%d", len(st.docs)))
}

func (st *run) skip(doc *models.Document, reason string) {
	st.logger.Info("skipping document", zap.String("document", doc.Name), zap.String("reason", reason))
	st.metrics.DocumentsTotal.WithLabelValues("skipped").Inc()

	st.mu.Lock()
	st.skipped = append(st.skipped, models.SkipRecord{Name: doc.Name, Reason: reason})
	st.mu.Unlock()

	st.advance(fmt.Sprintf("completed %%d/%d (%s unavailable)", len(st.docs), doc.Name))
}

// advance counts one finished document and reports progress. format takes
// the new completed count.
func (st *run) advance(format string) {
	st.mu.Lock()
	st.completed++
	n := st.completed
	st.mu.Unlock()

	st.ui.SetProgress(n, len(st.docs))
	st.setStatus(fmt.Sprintf(format, n))
}

// setStatus is silent while paused or stopped so it cannot overwrite
// the captcha prompt or the final report.
func (st *run) setStatus(text string) {
	if st.gate.Paused() || st.stopped() {
		return
	}
	st.ui.SetStatus(text)
}

func (st *run) finish(id, batchName, source string, start time.Time) *Result {
	if st.stopped() && !st.cancelled() {
		st.skipUnclaimed()
	}

	st.mu.Lock()
	completed := st.completed
	skipped := append([]models.SkipRecord(nil), st.skipped...)
	st.mu.Unlock()

	res := &Result{Record: models.BatchRecord{
		ID:        id,
		Name:      batchName,
		Source:    source,
		Total:     len(st.docs),
		Completed: completed,
		Succeeded: completed - len(skipped),
		Skipped:   skipped,
		StartedAt: start,
	}}
	rec := &res.Record

	switch {
	case st.cancelled():
		rec.Status = models.BatchCancelled
		st.ui.SetError(res.Message())

	case rec.Succeeded == 0:
		rec.Status = models.BatchFailed
		st.ui.SetError(res.Message())

	default:
		st.ui.SetStatus("building zip")
		st.ui.SetProgress(len(st.docs), len(st.docs))
		a, err := st.packer.Finalize()
		if err != nil {
			st.logger.Error("failed to build archive", zap.Error(err))
			rec.Status = models.BatchFailed
			st.ui.SetError(fmt.Sprintf("could not build zip: %v", err))
			break
		}
		res.Archive = a
		rec.ArchiveName = a.Name
		rec.ArchiveBytes = int64(len(a.Data))
		if len(skipped) > 0 {
			rec.Status = models.BatchPartial
			st.ui.SetError(res.Message())
		} else {
			rec.Status = models.BatchCompleted
			st.ui.Done(res.Message())
		}
	}

	rec.FinishedAt = time.Now()
	return res
}
