package analysis

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/httpclient"
	"github.com/tphakala/clipguard/internal/logger"
)

const (
	resultPath = "/get-result/"

	DefaultResultCacheTTL = 10 * time.Minute
	DefaultPollInterval   = 2 * time.Second
	DefaultPollAttempts   = 30
)

// FetcherConfig configures a ResultFetcher.
type FetcherConfig struct {
	BaseURL      string
	CacheTTL     time.Duration
	PollInterval time.Duration
	PollAttempts int
}

// ResultFetcher retrieves stored results by video id. Completed results are
// cached and concurrent fetches of one id share a single request.
type ResultFetcher struct {
	client   *httpclient.Client
	baseURL  string
	cache    *cache.Cache
	group    singleflight.Group
	limiter  *rate.Limiter
	attempts int
	log      logger.Logger
}

// NewResultFetcher creates a fetcher. Zero config values take the defaults.
func NewResultFetcher(client *httpclient.Client, cfg FetcherConfig) *ResultFetcher {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultResultCacheTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}

	return &ResultFetcher{
		client:   client,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		cache:    cache.New(cfg.CacheTTL, cfg.CacheTTL*2),
		limiter:  rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		attempts: cfg.PollAttempts,
		log:      logger.Global().Module("analysis"),
	}
}

// Fetch returns the result stored for videoID. Fallback ids never exist on
// the service and fail with a not-found error without a request.
func (f *ResultFetcher) Fetch(ctx context.Context, videoID string) (Result, error) {
	if videoID == "" {
		return Result{}, errors.ValidationError("video id is required")
	}
	if strings.HasPrefix(videoID, fallbackPrefix) {
		return Result{}, notFound(videoID, "fallback results are local only")
	}

	if cached, found := f.cache.Get(videoID); found {
		if res, ok := cached.(Result); ok {
			f.log.Debug("result cache hit", logger.String("video_id", videoID))
			return res, nil
		}
	}

	v, err, shared := f.group.Do(videoID, func() (any, error) {
		res, err := f.get(ctx, videoID)
		if err != nil {
			return Result{}, err
		}
		f.cache.Set(videoID, res, cache.DefaultExpiration)
		return res, nil
	})
	if shared {
		f.log.Debug("result fetch shared", logger.String("video_id", videoID))
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// Poll fetches videoID until it exists, waiting at least the poll interval
// between requests. Errors other than not-found end polling immediately.
func (f *ResultFetcher) Poll(ctx context.Context, videoID string) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return Result{}, errors.New(err).
				Component("analysis").
				Category(errors.CategoryCancellation).
				Context("video_id", videoID).
				Context("attempt", attempt).
				Build()
		}

		res, err := f.Fetch(ctx, videoID)
		if err == nil {
			return res, nil
		}
		if !errors.IsNotFound(err) || strings.HasPrefix(videoID, fallbackPrefix) {
			return Result{}, err
		}
		lastErr = err
		f.log.Debug("result not ready",
			logger.String("video_id", videoID),
			logger.Int("attempt", attempt))
	}

	return Result{}, errors.New(lastErr).
		Component("analysis").
		Category(errors.CategoryTimeout).
		Context("video_id", videoID).
		Context("attempts", f.attempts).
		Build()
}

func (f *ResultFetcher) get(ctx context.Context, videoID string) (Result, error) {
	endpoint := f.baseURL + resultPath + url.PathEscape(videoID)
	resp, err := f.client.Get(ctx, endpoint)
	if err != nil {
		return Result{}, errors.New(err).
			Component("analysis").
			Category(errors.CategoryNetwork).
			Context("video_id", videoID).
			Build()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, errors.New(err).
			Component("analysis").
			Category(errors.CategoryNetwork).
			Context("video_id", videoID).
			Build()
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Result{}, notFound(videoID, "no result stored")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Result{}, errors.Newf("get-result returned %d: %s", resp.StatusCode, truncate(string(body), 200)).
			Component("analysis").
			Category(errors.CategoryHTTP).
			Context("status_code", resp.StatusCode).
			Context("video_id", videoID).
			Build()
	}

	return decodeResult(body, videoID)
}

func notFound(videoID, reason string) error {
	return errors.Newf("result %s not found: %s", videoID, reason).
		Component("analysis").
		Category(errors.CategoryNotFound).
		Context("video_id", videoID).
		Build()
}
