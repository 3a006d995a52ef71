package pipeline

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/clipguard/internal/analysis"
	"github.com/tphakala/clipguard/internal/capture"
	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/events"
	"github.com/tphakala/clipguard/internal/handoff"
	"github.com/tphakala/clipguard/internal/httpclient"
	"github.com/tphakala/clipguard/internal/logger"
	"github.com/tphakala/clipguard/internal/observability/metrics"
	"github.com/tphakala/clipguard/internal/permission"
	"github.com/tphakala/clipguard/internal/storage"
)

const detectorURL = "http://detector.test"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const completedBody = `{
	"videoId": "vid_42",
	"timeline": [{"t": 0, "label": "normal", "score": 0.93}, {"t": 1, "label": "suspect", "score": 0.71}],
	"overallScore": 0.82,
	"status": "completed"
}`

type failingUploader struct{}

func (failingUploader) Name() string { return "http" }

func (failingUploader) Upload(context.Context, string, string) (string, error) {
	return "", errors.NewStd("503 service unavailable")
}

// collectingSink keeps every delivered outcome.
type collectingSink struct {
	name string
	err  error

	mu       sync.Mutex
	outcomes []handoff.Outcome
}

func (s *collectingSink) Name() string { return s.name }

func (s *collectingSink) Deliver(_ context.Context, out handoff.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, out)
	return s.err
}

func (s *collectingSink) delivered() []handoff.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]handoff.Outcome(nil), s.outcomes...)
}

type advisoryLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *advisoryLog) TryPublish(ev events.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return true
}

func (l *advisoryLog) codes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var codes []string
	for _, ev := range l.events {
		if code, ok := ev.GetContext()["code"].(string); ok {
			codes = append(codes, code)
		}
	}
	return codes
}

func discardLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelDebug, nil)
}

func newMockClient() (*httpclient.Client, *httpmock.MockTransport) {
	transport := httpmock.NewMockTransport()
	return httpclient.New(&httpclient.Config{Transport: transport}), transport
}

func writeClip(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recorded_1.mp4")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// expectMultipart answers the analysis endpoint after checking the uploaded clip.
func expectMultipart(t *testing.T, transport *httpmock.MockTransport, wantContent string) {
	t.Helper()
	transport.RegisterResponder(http.MethodPost, detectorURL+"/analyze-video/",
		func(req *http.Request) (*http.Response, error) {
			if err := req.ParseMultipartForm(1 << 20); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
			}
			f, _, err := req.FormFile("video")
			if err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
			}
			defer f.Close()
			data, _ := io.ReadAll(f)
			if string(data) != wantContent || req.FormValue("user_id") != "user-1" {
				return httpmock.NewStringResponse(http.StatusBadRequest, "unexpected form"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, completedBody), nil
		})
}

type fixture struct {
	sink       *collectingSink
	advisories *advisoryLog
	recorder   *metrics.TestRecorder
}

func newPipeline(t *testing.T, persister Persister, submitter Submitter, sinks ...handoff.Sink) (*Pipeline, *fixture) {
	t.Helper()
	f := &fixture{
		sink:       &collectingSink{name: "collect"},
		advisories: &advisoryLog{},
		recorder:   metrics.NewTestRecorder(),
	}
	p, err := New(Config{
		Persister: persister,
		Submitter: submitter,
		Sinks:     append([]handoff.Sink{f.sink}, sinks...),
		UserID:    "user-1",
		Publisher: f.advisories,
		Recorder:  f.recorder,
		Logger:    discardLogger(),
		Now:       func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return p, f
}

func newSubmitter(client *httpclient.Client, opts ...analysis.SubmitterOption) *analysis.Submitter {
	base := []analysis.SubmitterOption{
		analysis.WithClock(func() time.Time { return testNow }),
		analysis.WithLogger(discardLogger()),
	}
	return analysis.NewSubmitter(client, detectorURL, append(base, opts...)...)
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()

	client, _ := newMockClient()
	persister := storage.NewPersister(nil, storage.WithLogger(discardLogger()))
	submitter := newSubmitter(client)
	sink := &collectingSink{name: "collect"}

	_, err := New(Config{Submitter: submitter, Sinks: []handoff.Sink{sink}, UserID: "u"})
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = New(Config{Persister: persister, Submitter: submitter, UserID: "u"})
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = New(Config{Persister: persister, Submitter: submitter, Sinks: []handoff.Sink{sink}})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

// Scenario B: the upload fails and the local clip is analysed instead.
func TestRun_UploadFailureSubmitsLocalClip(t *testing.T) {
	t.Parallel()

	client, transport := newMockClient()
	expectMultipart(t, transport, "three seconds of video")
	path := writeClip(t, "three seconds of video")

	persister := storage.NewPersister(failingUploader{},
		storage.WithLogger(discardLogger()),
		storage.WithClock(func() time.Time { return testNow }))
	p, f := newPipeline(t, persister, newSubmitter(client))

	out, err := p.Run(t.Context(), capture.Clip{
		LocalURI: "file://" + path,
		Filename: "recorded_1.mp4",
		Source:   capture.SourceCamera,
		Duration: 3 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, analysis.StatusCompleted, out.Result.Status)
	assert.Equal(t, "vid_42", out.Result.VideoID)
	assert.Empty(t, out.Asset.RemoteURL)
	assert.False(t, out.Asset.HasRemote())
	assert.Equal(t, "file://"+path, out.Reference)
	assert.True(t, out.HasAdvisory(handoff.AdvisoryUploadDegraded))
	assert.False(t, out.HasAdvisory(handoff.AdvisoryAnalysisFallback))
	assert.Equal(t, testNow, out.CompletedAt)

	require.Len(t, f.sink.delivered(), 1)
	assert.Equal(t, out, f.sink.delivered()[0])
	assert.Equal(t, []string{handoff.AdvisoryUploadDegraded}, f.advisories.codes())

	last, ok := p.Last()
	require.True(t, ok)
	assert.Equal(t, out, last)

	assert.Equal(t, 1, f.recorder.GetOperationCount(metrics.OpPersist, metrics.StatusFailed))
	assert.Equal(t, 1, f.recorder.GetErrorCount(metrics.OpPersist, string(errors.CategoryUpload)))
	assert.Equal(t, 1, f.recorder.GetOperationCount(metrics.OpSubmit, metrics.StatusSuccess))
	assert.Equal(t, 1, f.recorder.GetOperationCount(metrics.OpPipeline, metrics.StatusCompleted))
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

// Scenario C: the analysis service never answers in time.
func TestRun_SubmissionTimeoutDeliversFallback(t *testing.T) {
	t.Parallel()

	client, transport := newMockClient()
	transport.RegisterResponder(http.MethodPost, detectorURL+"/analyze-video/",
		func(req *http.Request) (*http.Response, error) {
			<-req.Context().Done()
			return nil, req.Context().Err()
		})
	path := writeClip(t, "bytes")

	persister := storage.NewPersister(nil, storage.WithLogger(discardLogger()))
	p, f := newPipeline(t, persister, newSubmitter(client, analysis.WithTimeout(50*time.Millisecond)))

	out, err := p.Run(t.Context(), capture.Clip{LocalURI: path, Filename: "recorded_2.mp4", Source: capture.SourceCamera})
	require.NoError(t, err)

	assert.Equal(t, analysis.Fallback(testNow), out.Result)
	assert.Equal(t, analysis.StatusFallback, out.Result.Status)
	assert.True(t, out.IsFallback())

	confidences := make([]float64, 0, len(out.Result.Timeline))
	for _, seg := range out.Result.Timeline {
		confidences = append(confidences, seg.Confidence)
	}
	assert.Equal(t, []float64{0.85, 0.92, 0.15, 0.88, 0.91}, confidences)

	assert.True(t, out.HasAdvisory(handoff.AdvisoryAnalysisFallback))
	assert.False(t, out.HasAdvisory(handoff.AdvisoryUploadDegraded))
	assert.Equal(t, []string{handoff.AdvisoryAnalysisFallback}, f.advisories.codes())

	assert.Equal(t, 1, f.recorder.GetOperationCount(metrics.OpSubmit, metrics.StatusFailed))
	assert.Equal(t, 1, f.recorder.GetErrorCount(metrics.OpSubmit, string(errors.CategoryTimeout)))
	assert.Equal(t, 1, f.recorder.GetOperationCount(metrics.OpPipeline, metrics.StatusFallback))
}

func TestRun_SinkFailures(t *testing.T) {
	t.Parallel()

	client, transport := newMockClient()
	expectMultipart(t, transport, "clip")
	path := writeClip(t, "clip")
	persister := storage.NewPersister(nil, storage.WithLogger(discardLogger()))

	t.Run("one sink failing is tolerated", func(t *testing.T) {
		broken := &collectingSink{name: "broken", err: errors.NewStd("broker down")}
		p, f := newPipeline(t, persister, newSubmitter(client), broken)

		require.NoError(t, p.Process(t.Context(), capture.Clip{LocalURI: path, Filename: "a.mp4"}))
		assert.Len(t, f.sink.delivered(), 1)
		assert.Len(t, broken.delivered(), 1)
		assert.Equal(t, 1, f.recorder.GetOperationCount(metrics.OpHandoff+"_broken", metrics.StatusFailed))
		assert.Equal(t, 1, f.recorder.GetOperationCount(metrics.OpHandoff+"_collect", metrics.StatusSuccess))
	})

	t.Run("all sinks failing is an error", func(t *testing.T) {
		p, f := newPipeline(t, persister, newSubmitter(client))
		f.sink.err = errors.NewStd("disk full")

		out, err := p.Run(t.Context(), capture.Clip{LocalURI: path, Filename: "b.mp4"})
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryIntegration))
		assert.Equal(t, "vid_42", out.Result.VideoID)

		last, ok := p.Last()
		require.True(t, ok)
		assert.Equal(t, out, last)
	})
}

func TestLast_EmptyBeforeFirstRun(t *testing.T) {
	t.Parallel()

	client, _ := newMockClient()
	p, _ := newPipeline(t, storage.NewPersister(nil, storage.WithLogger(discardLogger())), newSubmitter(client))
	_, ok := p.Last()
	assert.False(t, ok)
}

// Scenario A: camera denied, a gallery clip is uploaded, analysed and
// handed off while the session stays busy.
func TestController_GalleryClipEndToEnd(t *testing.T) {
	t.Parallel()

	client, transport := newMockClient()
	path := writeClip(t, "ten seconds of gallery video")

	uploader, err := storage.NewLocalUploader(t.TempDir(), "https://cdn.test/clips")
	require.NoError(t, err)
	persister := storage.NewPersister(uploader,
		storage.WithLogger(discardLogger()),
		storage.WithClock(func() time.Time { return testNow }))

	transport.RegisterResponder(http.MethodGet, `=~^https://cdn\.test/clips/`,
		httpmock.NewStringResponder(http.StatusOK, "ten seconds of gallery video"))
	expectMultipart(t, transport, "ten seconds of gallery video")

	p, f := newPipeline(t, persister, newSubmitter(client))

	var (
		mu      sync.Mutex
		notices []capture.NoticeKind
	)
	ctrl, err := capture.NewController(capture.Options{
		Gallery: capture.FilePicker{Path: path, Duration: 10 * time.Second},
		Permissions: permission.NewCoordinator(permission.StaticPrompter{
			permission.MediaLibrary: true,
		}),
		Pipeline: p,
		Clock:    capture.NewManualClock(testNow),
		Listener: func(n capture.Notice) {
			mu.Lock()
			defer mu.Unlock()
			notices = append(notices, n.Kind)
		},
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)

	require.ErrorIs(t, ctrl.SelectCamera(t.Context()), capture.ErrPermissionDenied)
	require.NoError(t, ctrl.SelectGallery())
	require.NoError(t, ctrl.PickFromGallery(t.Context()))
	ctrl.Wait()

	assert.False(t, ctrl.Snapshot().Busy)
	mu.Lock()
	assert.Contains(t, notices, capture.NoticePipelineFinished)
	mu.Unlock()

	out, ok := p.Last()
	require.True(t, ok)
	assert.Equal(t, analysis.StatusCompleted, out.Result.Status)
	assert.Equal(t, "vid_42", out.Result.VideoID)
	assert.Equal(t, "https://cdn.test/clips/video_1772366400000.mp4", out.Asset.RemoteURL)
	assert.Equal(t, out.Asset.RemoteURL, out.Reference)
	assert.Empty(t, out.Advisories)
	assert.Empty(t, f.advisories.codes())
	assert.Len(t, f.sink.delivered(), 1)
}
