package analysis

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/httpclient"
	"github.com/tphakala/clipguard/internal/logger"
)

const (
	// DefaultTimeout bounds a single submission, measured from the start of
	// the request to the end of the response body.
	DefaultTimeout = 120 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 4 << 20
)

// Fallback reasons reported to Metrics.RecordFallback.
const (
	ReasonTimeout      = "timeout"
	ReasonCancelled    = "cancelled"
	ReasonTransport    = "transport"
	ReasonHTTPStatus   = "http_status"
	ReasonServiceError = "service_error"
	ReasonEncode       = "encode"
	ReasonDecode       = "decode"
)

// Metrics records submission outcomes.
type Metrics interface {
	RecordSubmission(status string, duration time.Duration)
	RecordFallback(reason string)
}

// Submission is the outcome of Submit. Result is always usable; Err explains
// why it is a fallback and is nil for genuine results.
type Submission struct {
	Result    Result
	Reference string
	Encoding  string
	Reason    string
	Err       error
	Elapsed   time.Duration
}

// Submitter posts clips to the analysis service.
type Submitter struct {
	client  *httpclient.Client
	baseURL string
	encoder Encoder
	timeout time.Duration
	now     func() time.Time
	log     logger.Logger
	metrics Metrics
}

// SubmitterOption configures a Submitter.
type SubmitterOption func(*Submitter)

// WithEncoder selects the request encoding.
func WithEncoder(e Encoder) SubmitterOption {
	return func(s *Submitter) { s.encoder = e }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock sets the time source used for fallback ids.
func WithClock(now func() time.Time) SubmitterOption {
	return func(s *Submitter) { s.now = now }
}

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) SubmitterOption {
	return func(s *Submitter) { s.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) SubmitterOption {
	return func(s *Submitter) { s.metrics = m }
}

// NewSubmitter creates a submitter for the service at baseURL.
func NewSubmitter(client *httpclient.Client, baseURL string, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.encoder == nil {
		s.encoder = &MultipartEncoder{Client: client}
	}
	if s.log == nil {
		s.log = logger.Global().Module("analysis")
	}
	return s
}

// Encoding returns the active encoder name.
func (s *Submitter) Encoding() string {
	return s.encoder.Name()
}

// Submit sends req and waits at most the configured timeout. It never fails:
// any error, including cancellation of ctx, yields Fallback with the cause in
// Submission.Err.
func (s *Submitter) Submit(ctx context.Context, req Request) Submission {
	start := time.Now()
	sub := Submission{
		Reference: req.Asset.Reference(),
		Encoding:  s.encoder.Name(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, ref, reason, err := s.submit(ctx, req)
	sub.Elapsed = time.Since(start)
	if ref != "" {
		sub.Reference = ref
	}

	if err != nil {
		sub.Result = Fallback(s.now())
		sub.Reason = reason
		sub.Err = err
		s.recordFallback(reason, sub.Elapsed)
		s.log.Warn("analysis submission failed, using fallback result",
			logger.String("filename", req.Asset.Filename),
			logger.String("encoding", sub.Encoding),
			logger.String("reason", reason),
			logger.String("video_id", sub.Result.VideoID),
			logger.Duration("elapsed", sub.Elapsed),
			logger.Error(err))
		return sub
	}

	sub.Result = result
	s.recordSuccess(sub.Elapsed)
	s.log.Info("analysis completed",
		logger.String("filename", req.Asset.Filename),
		logger.String("encoding", sub.Encoding),
		logger.String("video_id", result.VideoID),
		logger.Int("segments", len(result.Timeline)),
		logger.Duration("elapsed", sub.Elapsed))
	return sub
}

func (s *Submitter) submit(ctx context.Context, req Request) (Result, string, string, error) {
	payload, err := s.encoder.Encode(ctx, req)
	if err != nil {
		return Result{}, "", ReasonEncode, err
	}
	if c, ok := payload.Body.(io.Closer); ok {
		defer c.Close()
	}

	endpoint := s.baseURL + payload.Path
	resp, err := s.client.Post(ctx, endpoint, payload.ContentType, payload.Body)
	if err != nil {
		reason := classifyTransport(ctx)
		return Result{}, payload.Reference, reason, s.transportError(err, endpoint, reason)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		reason := classifyTransport(ctx)
		return Result{}, payload.Reference, reason, s.transportError(err, endpoint, reason)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, payload.Reference, ReasonHTTPStatus, errors.Newf("analysis service returned %d: %s",
			resp.StatusCode, truncate(string(body), 200)).
			Component("analysis").
			Category(errors.CategoryHTTP).
			Context("status_code", resp.StatusCode).
			Context("endpoint", payload.Path).
			Build()
	}

	result, err := decodeResult(body, "")
	if err != nil {
		reason := ReasonServiceError
		if errors.Is(err, errMalformed) {
			reason = ReasonDecode
		}
		return Result{}, payload.Reference, reason, err
	}
	return result, payload.Reference, "", nil
}

func (s *Submitter) transportError(err error, endpoint, reason string) error {
	category := errors.CategoryNetwork
	switch reason {
	case ReasonTimeout:
		category = errors.CategoryTimeout
		err = fmt.Errorf("no analysis response within %s: %w", s.timeout, err)
	case ReasonCancelled:
		category = errors.CategoryCancellation
	}
	return errors.New(err).
		Component("analysis").
		Category(category).
		NetworkContext(endpoint, s.timeout).
		Build()
}

func classifyTransport(ctx context.Context) string {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return ReasonTimeout
	case context.Canceled:
		return ReasonCancelled
	default:
		return ReasonTransport
	}
}

func (s *Submitter) recordSuccess(d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordSubmission("completed", d)
	}
}

func (s *Submitter) recordFallback(reason string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordSubmission("fallback", d)
		s.metrics.RecordFallback(reason)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
