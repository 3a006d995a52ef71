// Package handoff assembles the terminal output of the capture pipeline and
// delivers it to sinks. Assembly is pure; sinks own all I/O.
package handoff

import (
	"context"
	"slices"
	"time"

	"github.com/tphakala/clipguard/internal/analysis"
	"github.com/tphakala/clipguard/internal/storage"
)

// Advisory codes attached to an Outcome.
const (
	AdvisoryUploadDegraded   = "upload_degraded"
	AdvisoryAnalysisFallback = "analysis_fallback"
)

// Advisory is a user-visible warning about how the outcome was produced.
type Advisory struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

// Outcome is the pipeline's terminal output. Reference is the asset
// reference the analysis actually used.
type Outcome struct {
	Asset       storage.MediaAsset `json:"asset" yaml:"asset"`
	Reference   string             `json:"reference" yaml:"reference"`
	Result      analysis.Result    `json:"result" yaml:"result"`
	Advisories  []Advisory         `json:"advisories,omitempty" yaml:"advisories,omitempty"`
	CompletedAt time.Time          `json:"completedAt" yaml:"completedAt"`
}

// IsFallback reports whether the result was synthesized locally.
func (o Outcome) IsFallback() bool {
	return o.Result.IsFallback()
}

// HasAdvisory reports whether an advisory with code is attached.
func (o Outcome) HasAdvisory(code string) bool {
	return slices.ContainsFunc(o.Advisories, func(a Advisory) bool { return a.Code == code })
}

// Assemble builds an Outcome. A fallback result always carries the
// analysis_fallback advisory so it cannot pass for a genuine one. An empty
// reference defaults to the asset's best reference.
func Assemble(asset storage.MediaAsset, reference string, result analysis.Result, advisories []Advisory, now time.Time) Outcome {
	if reference == "" {
		reference = asset.Reference()
	}

	out := Outcome{
		Asset:       asset,
		Reference:   reference,
		Result:      result,
		Advisories:  slices.Clone(advisories),
		CompletedAt: now,
	}
	if result.IsFallback() && !out.HasAdvisory(AdvisoryAnalysisFallback) {
		out.Advisories = append(out.Advisories, Advisory{
			Code:    AdvisoryAnalysisFallback,
			Message: "analysis service unavailable, showing a placeholder result",
		})
	}
	return out
}

// Sink delivers outcomes.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, out Outcome) error
}
