package storage

import (
	"context"
	"time"

	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/logger"
)

// Metrics records upload outcomes.
type Metrics interface {
	RecordUpload(backend, status string, duration time.Duration)
}

// Persister attempts a single upload per asset and degrades to the local
// reference on any failure.
type Persister struct {
	uploader Uploader
	metrics  Metrics
	log      logger.Logger
	now      func() time.Time
}

// Option configures a Persister.
type Option func(*Persister)

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(p *Persister) { p.metrics = m }
}

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Persister) { p.log = l }
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Persister) { p.now = now }
}

// NewPersister creates a persister. A nil uploader keeps every asset local.
func NewPersister(uploader Uploader, opts ...Option) *Persister {
	p := &Persister{
		uploader: uploader,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Global().Module("storage")
	}
	return p
}

// Backend returns the configured backend name, or "none".
func (p *Persister) Backend() string {
	if p.uploader == nil {
		return "none"
	}
	return p.uploader.Name()
}

// Persist uploads the asset once. It always returns a usable asset; warn is
// non-nil when the upload failed and the asset stayed local. The caller must
// continue with the returned asset either way.
func (p *Persister) Persist(ctx context.Context, localURI, filename string) (asset MediaAsset, warn error) {
	asset = MediaAsset{
		LocalURI:  localURI,
		Filename:  filename,
		CreatedAt: p.now(),
	}

	if p.uploader == nil {
		p.log.Debug("remote storage disabled, keeping asset local",
			logger.String("filename", filename))
		return asset, nil
	}

	backend := p.uploader.Name()
	start := time.Now()
	remoteURL, err := p.uploader.Upload(ctx, LocalPath(localURI), filename)
	elapsed := time.Since(start)

	if err != nil {
		p.record(backend, "failed", elapsed)
		if !errors.IsCategory(err, errors.CategoryUpload) {
			err = uploadError(backend, "upload", err)
		}
		p.log.Warn("upload failed, continuing with local asset",
			logger.String("backend", backend),
			logger.String("filename", filename),
			logger.Duration("elapsed", elapsed),
			logger.Error(err))
		return asset, err
	}

	asset.RemoteURL = remoteURL
	p.record(backend, "success", elapsed)
	p.log.Info("asset persisted",
		logger.String("backend", backend),
		logger.String("filename", filename),
		logger.String("remote_url", remoteURL),
		logger.Duration("elapsed", elapsed))
	return asset, nil
}

func (p *Persister) record(backend, status string, d time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordUpload(backend, status, d)
	}
}
