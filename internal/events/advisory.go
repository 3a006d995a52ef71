package events

import (
	"maps"
	"sync/atomic"
	"time"
)

// CategoryAdvisory is the category of every Advisory.
const CategoryAdvisory = "advisory"

// Advisory is a non-fatal notice raised by the pipeline, such as a degraded
// upload or a fallback analysis result.
type Advisory struct {
	Code      string
	Component string
	Message   string
	Fields    map[string]any
	Timestamp time.Time

	reported atomic.Bool
}

// NewAdvisory creates an advisory stamped with the current time.
func NewAdvisory(component, code, message string, fields map[string]any) *Advisory {
	return &Advisory{
		Code:      code,
		Component: component,
		Message:   message,
		Fields:    fields,
		Timestamp: time.Now(),
	}
}

func (a *Advisory) GetComponent() string    { return a.Component }
func (a *Advisory) GetCategory() string     { return CategoryAdvisory }
func (a *Advisory) GetTimestamp() time.Time { return a.Timestamp }
func (a *Advisory) GetError() error         { return nil }
func (a *Advisory) GetMessage() string      { return a.Message }
func (a *Advisory) IsReported() bool        { return a.reported.Load() }
func (a *Advisory) MarkReported()           { a.reported.Store(true) }

// GetContext returns a copy of the fields with the advisory code added.
func (a *Advisory) GetContext() map[string]any {
	ctx := make(map[string]any, len(a.Fields)+1)
	maps.Copy(ctx, a.Fields)
	ctx["code"] = a.Code
	return ctx
}
