// Package pipeline runs the single follow-on flow for a finished clip:
// persist, submit, hand off. It never dead-ends; upload failures degrade to
// the local reference and analysis failures degrade to the fallback result.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tphakala/clipguard/internal/analysis"
	"github.com/tphakala/clipguard/internal/capture"
	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/events"
	"github.com/tphakala/clipguard/internal/handoff"
	"github.com/tphakala/clipguard/internal/logger"
	"github.com/tphakala/clipguard/internal/observability/metrics"
	"github.com/tphakala/clipguard/internal/storage"
)

// Persister promotes a local clip to remote storage.
type Persister interface {
	Backend() string
	Persist(ctx context.Context, localURI, filename string) (storage.MediaAsset, error)
}

// Submitter submits an asset for analysis. Submit never fails; failures
// come back as a fallback result with Submission.Err set.
type Submitter interface {
	Submit(ctx context.Context, req analysis.Request) analysis.Submission
}

// Publisher accepts advisories without blocking.
type Publisher interface {
	TryPublish(event events.Event) bool
}

// Config wires the pipeline collaborators. Persister, Submitter and at
// least one sink are required.
type Config struct {
	Persister Persister
	Submitter Submitter
	Sinks     []handoff.Sink
	UserID    string

	Publisher Publisher
	Recorder  metrics.Recorder
	Logger    logger.Logger
	Now       func() time.Time
}

// Pipeline implements capture.Pipeline.
type Pipeline struct {
	persister Persister
	submitter Submitter
	sinks     []handoff.Sink
	userID    string
	publisher Publisher
	recorder  metrics.Recorder
	log       logger.Logger
	now       func() time.Time

	mu   sync.Mutex
	last *handoff.Outcome
}

var _ capture.Pipeline = (*Pipeline)(nil)

// New validates cfg and creates a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Persister == nil || cfg.Submitter == nil || len(cfg.Sinks) == 0 {
		return nil, errors.Newf("pipeline requires a persister, a submitter and at least one sink").
			Component("pipeline").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.UserID == "" {
		return nil, errors.ValidationError("pipeline requires a user id")
	}

	p := &Pipeline{
		persister: cfg.Persister,
		submitter: cfg.Submitter,
		sinks:     cfg.Sinks,
		userID:    cfg.UserID,
		publisher: cfg.Publisher,
		recorder:  cfg.Recorder,
		log:       cfg.Logger,
		now:       cfg.Now,
	}
	if p.log == nil {
		p.log = logger.Global().Module("pipeline")
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Process implements capture.Pipeline. It fails only when no sink accepted
// the outcome.
func (p *Pipeline) Process(ctx context.Context, clip capture.Clip) error {
	_, err := p.Run(ctx, clip)
	return err
}

// Run processes clip and returns the delivered outcome. The outcome is
// valid even when err is non-nil.
func (p *Pipeline) Run(ctx context.Context, clip capture.Clip) (handoff.Outcome, error) {
	start := time.Now()
	log := p.log.WithContext(ctx).With(
		logger.String("filename", clip.Filename),
		logger.String("source", string(clip.Source)))

	var advisories []handoff.Advisory

	// persist
	persistStart := time.Now()
	asset, warn := p.persister.Persist(ctx, clip.LocalURI, clip.Filename)
	p.recordStage(metrics.OpPersist, persistStart, warn)
	if warn != nil {
		adv := handoff.Advisory{
			Code:    handoff.AdvisoryUploadDegraded,
			Message: fmt.Sprintf("upload of %s to %s failed, analysing the local copy", clip.Filename, p.persister.Backend()),
		}
		advisories = append(advisories, adv)
		p.publish(adv, map[string]any{"filename": clip.Filename, "backend": p.persister.Backend()})
		log.Warn("continuing without remote asset", logger.Error(warn))
	}

	// submit
	submitStart := time.Now()
	sub := p.submitter.Submit(ctx, analysis.Request{
		Asset:       asset,
		UserID:      p.userID,
		SubmittedAt: p.now(),
	})
	p.recordStage(metrics.OpSubmit, submitStart, sub.Err)
	if sub.Result.IsFallback() {
		adv := handoff.Advisory{
			Code:    handoff.AdvisoryAnalysisFallback,
			Message: fmt.Sprintf("analysis of %s unavailable (%s), showing placeholder result %s", clip.Filename, reasonOrUnknown(sub.Reason), sub.Result.VideoID),
		}
		advisories = append(advisories, adv)
		p.publish(adv, map[string]any{"filename": clip.Filename, "reason": sub.Reason, "video_id": sub.Result.VideoID})
	}

	// hand off
	out := handoff.Assemble(asset, sub.Reference, sub.Result, advisories, p.now())
	p.setLast(out)
	err := p.deliver(ctx, out, log)

	status := metrics.StatusCompleted
	if out.IsFallback() {
		status = metrics.StatusFallback
	}
	if p.recorder != nil {
		p.recorder.RecordOperation(metrics.OpPipeline, status)
		p.recorder.RecordDuration(metrics.OpPipeline, time.Since(start).Seconds())
	}

	log.Info("pipeline outcome",
		logger.String("video_id", out.Result.VideoID),
		logger.String("status", string(out.Result.Status)),
		logger.String("reference", out.Reference),
		logger.Bool("remote", out.Asset.HasRemote()),
		logger.Int("advisories", len(out.Advisories)),
		logger.Duration("elapsed", time.Since(start)))
	return out, err
}

// Last returns the most recent outcome.
func (p *Pipeline) Last() (handoff.Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return handoff.Outcome{}, false
	}
	return *p.last, true
}

func (p *Pipeline) setLast(out handoff.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = &out
}

// deliver hands out to every sink. One accepting sink is enough.
func (p *Pipeline) deliver(ctx context.Context, out handoff.Outcome, log logger.Logger) error {
	var errs []error
	for _, sink := range p.sinks {
		start := time.Now()
		err := sink.Deliver(ctx, out)
		op := metrics.OpHandoff + "_" + sink.Name()
		p.recordStage(op, start, err)
		if err != nil {
			log.Warn("handoff sink failed",
				logger.String("sink", sink.Name()),
				logger.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	if len(errs) < len(p.sinks) {
		return nil
	}
	return errors.New(errors.Join(errs...)).
		Component("pipeline").
		Category(errors.CategoryIntegration).
		Context("video_id", out.Result.VideoID).
		Build()
}

func (p *Pipeline) publish(adv handoff.Advisory, fields map[string]any) {
	if p.publisher == nil {
		return
	}
	if !p.publisher.TryPublish(events.NewAdvisory("pipeline", adv.Code, adv.Message, fields)) {
		p.log.Debug("advisory not published", logger.String("code", adv.Code))
	}
}

func (p *Pipeline) recordStage(op string, start time.Time, err error) {
	if p.recorder == nil {
		return
	}
	p.recorder.RecordDuration(op, time.Since(start).Seconds())
	if err == nil {
		p.recorder.RecordOperation(op, metrics.StatusSuccess)
		return
	}
	p.recorder.RecordOperation(op, metrics.StatusFailed)
	category := string(errors.CategoryGeneric)
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		category = ee.GetCategory()
	}
	p.recorder.RecordError(op, category)
}

func reasonOrUnknown(reason string) string {
	if reason == "" {
		return "unknown"
	}
	return reason
}
