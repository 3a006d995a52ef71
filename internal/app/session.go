package app

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tphakala/clipguard/internal/capture"
	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/logger"
	"github.com/tphakala/clipguard/internal/observability"
	"github.com/tphakala/clipguard/internal/permission"
)

const readyPollInterval = 50 * time.Millisecond

// Prompter grants every capability except the denied ones.
func Prompter(denied []string) (permission.StaticPrompter, error) {
	p := permission.StaticPrompter{}
	for _, c := range permission.Capabilities {
		p[c] = true
	}
	for _, name := range denied {
		c := permission.Capability(strings.ToLower(strings.TrimSpace(name)))
		if _, ok := p[c]; !ok {
			return nil, errors.ValidationError("unknown capability " + name)
		}
		p[c] = false
	}
	return p, nil
}

// RetryingPrompter answers first prompts like Prompter(denied) and explicit
// re-requests interactively, reading answers from in.
func RetryingPrompter(denied []string, in io.Reader, out io.Writer) (permission.Prompter, error) {
	initial, err := Prompter(denied)
	if err != nil {
		return nil, err
	}
	return &permission.RetryPrompter{
		Initial: initial,
		Retry:   permission.NewTerminalPrompter(in, out),
	}, nil
}

// RetryDenied runs op and, when it is refused for a denied capability,
// re-requests that capability once through ctrl and runs op again.
func RetryDenied(ctx context.Context, ctrl *capture.Controller, capability permission.Capability, op func() error) error {
	err := op()
	if !errors.Is(err, capture.ErrPermissionDenied) {
		return err
	}
	if reqErr := ctrl.RequestPermission(ctx, capability); reqErr != nil {
		return reqErr
	}
	return op()
}

// NoticeLog logs controller notices and remembers the first failure.
type NoticeLog struct {
	log logger.Logger

	mu      sync.Mutex
	kinds   []capture.NoticeKind
	failure error
}

// NewNoticeLog creates a notice log writing to log.
func NewNoticeLog(log logger.Logger) *NoticeLog {
	if log == nil {
		log = logger.Global().Module("session")
	}
	return &NoticeLog{log: log}
}

// Listen implements capture.Listener.
func (l *NoticeLog) Listen(n capture.Notice) {
	fields := []logger.Field{
		logger.String("notice", string(n.Kind)),
		logger.String("phase", n.Session.Phase.String()),
		logger.Bool("busy", n.Session.Busy),
	}
	if n.Err != nil {
		fields = append(fields, logger.Error(n.Err))
	}
	if len(n.Actions) > 0 {
		actions := make([]string, len(n.Actions))
		for i, a := range n.Actions {
			actions[i] = string(a)
		}
		fields = append(fields, logger.String("actions", strings.Join(actions, ",")))
	}

	l.mu.Lock()
	l.kinds = append(l.kinds, n.Kind)
	failed := false
	switch n.Kind {
	case capture.NoticePipelineFailed, capture.NoticeRecordingFailed, capture.NoticeRecordingCancelled:
		failed = true
		if l.failure == nil {
			l.failure = n.Err
			if l.failure == nil {
				l.failure = errors.Newf("session ended with %s", n.Kind).
					Component("app").
					Category(errors.CategoryState).
					Build()
			}
		}
	}
	l.mu.Unlock()

	if failed {
		l.log.Warn("session notice", fields...)
		return
	}
	l.log.Info("session notice", fields...)
}

// Kinds returns the notice kinds seen so far.
func (l *NoticeLog) Kinds() []capture.NoticeKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]capture.NoticeKind(nil), l.kinds...)
}

// Err returns the first recording or pipeline failure.
func (l *NoticeLog) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failure
}

// WaitReady polls the controller until the camera is ready. Forced-ready
// counts as ready.
func WaitReady(ctx context.Context, ctrl *capture.Controller, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		if ctrl.Snapshot().Phase == capture.PhaseReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New(ctx.Err()).
				Component("app").
				Category(errors.CategoryTimeout).
				Context("operation", "wait_camera_ready").
				Build()
		case <-ticker.C:
		}
	}
}

// ServeMetrics exposes the App's metrics on listen until the returned stop
// function is called. An empty address disables the endpoint.
func (a *App) ServeMetrics(listen string) (stop func(), err error) {
	if listen == "" {
		return func() {}, nil
	}
	ep, err := observability.NewEndpoint(listen, a.Metrics)
	if err != nil {
		return nil, err
	}
	ep.Start()
	a.log.Info("metrics endpoint listening", logger.String("address", ep.Addr()))
	return func() {
		if err := ep.Shutdown(context.Background()); err != nil {
			a.log.Warn("metrics endpoint shutdown failed", logger.Error(err))
		}
	}, nil
}
