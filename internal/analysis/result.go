// Package analysis submits clips to the remote deepfake analysis service and
// normalizes its responses into a single result shape. A failed or timed out
// submission yields a deterministic fallback result instead of an error.
package analysis

import (
	"fmt"
	"time"

	"github.com/tphakala/clipguard/internal/storage"
)

// Verdict is the per-segment classification.
type Verdict string

const (
	VerdictNormal  Verdict = "normal"
	VerdictSuspect Verdict = "suspect"
)

// Status tells a genuine service result from a locally synthesized one.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFallback  Status = "fallback"
)

// TimelineSegment covers [Start, End) seconds of the clip.
type TimelineSegment struct {
	Start      float64 `json:"startOffsetSeconds" yaml:"startOffsetSeconds"`
	End        float64 `json:"endOffsetSeconds" yaml:"endOffsetSeconds"`
	Verdict    Verdict `json:"verdict" yaml:"verdict"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// Result is the normalized analysis outcome. Timeline segments are ordered
// by Start and never overlap.
type Result struct {
	VideoID      string            `json:"videoId" yaml:"videoId"`
	Timeline     []TimelineSegment `json:"timeline" yaml:"timeline"`
	OverallScore *float64          `json:"overallScore,omitempty" yaml:"overallScore,omitempty"`
	Status       Status            `json:"status" yaml:"status"`
}

// IsFallback reports whether the result was synthesized locally.
func (r Result) IsFallback() bool {
	return r.Status == StatusFallback
}

// Request is one submission of an asset on behalf of a user.
type Request struct {
	Asset       storage.MediaAsset
	UserID      string
	SubmittedAt time.Time
}

const fallbackPrefix = "fallback_"

var (
	fallbackScores       = [...]float64{0.85, 0.92, 0.15, 0.88, 0.91}
	fallbackOverallScore = 0.87
)

// Fallback returns the fixed result used when the service cannot answer.
// Only the video id suffix depends on now.
func Fallback(now time.Time) Result {
	timeline := make([]TimelineSegment, len(fallbackScores))
	for i, score := range fallbackScores {
		verdict := VerdictNormal
		if i%2 == 1 {
			verdict = VerdictSuspect
		}
		timeline[i] = TimelineSegment{
			Start:      float64(i),
			End:        float64(i + 1),
			Verdict:    verdict,
			Confidence: score,
		}
	}

	overall := fallbackOverallScore
	return Result{
		VideoID:      fmt.Sprintf("%s%d", fallbackPrefix, now.UnixMilli()),
		Timeline:     timeline,
		OverallScore: &overall,
		Status:       StatusFallback,
	}
}
