package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/tphakala/clipguard/internal/errors"
)

// wireResponse accepts both service schemas: the submit response with point
// samples and the get-result response with ranged segments.
type wireResponse struct {
	VideoID      string          `json:"videoId"`
	Timeline     []wireSegment   `json:"timeline"`
	OverallScore *float64        `json:"overallScore"`
	Status       string          `json:"status"`
	Error        json.RawMessage `json:"error"`
	Detail       json.RawMessage `json:"detail"`
}

type wireSegment struct {
	// submit schema
	T     *float64 `json:"t"`
	Label string   `json:"label"`
	Score *float64 `json:"score"`

	// get-result schema
	Start          *float64 `json:"start"`
	End            *float64 `json:"end"`
	EnsembleResult string   `json:"ensemble_result"`
	Confidence     *float64 `json:"confidence"`
}

// parseVerdict maps both verdict vocabularies, case-insensitively.
func parseVerdict(s string) (Verdict, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "real":
		return VerdictNormal, true
	case "suspect", "fake":
		return VerdictSuspect, true
	default:
		return "", false
	}
}

var errMalformed = errors.NewStd("malformed analysis response")

func serviceError(format string, args ...any) error {
	return errors.Newf(format, args...).
		Component("analysis").
		Category(errors.CategorySubmission).
		Build()
}

// decodeResult parses and normalizes a service response body. knownID is
// used when the body omits videoId, as get-result responses may.
func decodeResult(body []byte, knownID string) (Result, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return Result{}, errors.New(fmt.Errorf("%w: %w", errMalformed, err)).
			Component("analysis").
			Category(errors.CategorySubmission).
			Context("operation", "decode_response").
			Build()
	}

	if msg := rawMessage(wire.Error); msg != "" {
		return Result{}, serviceError("analysis service error: %s", msg)
	}
	if wire.VideoID == "" {
		wire.VideoID = knownID
	}
	if wire.VideoID == "" {
		if msg := rawMessage(wire.Detail); msg != "" {
			return Result{}, serviceError("analysis service error: %s", msg)
		}
		return Result{}, serviceError("analysis response has no videoId")
	}
	switch strings.ToLower(wire.Status) {
	case "failed", "error":
		return Result{}, serviceError("analysis service reported status %q", wire.Status)
	}

	timeline, err := normalizeTimeline(wire.Timeline)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		VideoID:  wire.VideoID,
		Timeline: timeline,
		Status:   StatusCompleted,
	}
	if wire.OverallScore != nil {
		score := clamp01(*wire.OverallScore)
		res.OverallScore = &score
	}
	return res, nil
}

// rawMessage renders an error or detail field, which the service sends as a
// string or an object.
func rawMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// normalizeTimeline converts either segment schema into ordered,
// non-overlapping segments. Point samples become one-second segments that
// end early when the next sample starts sooner.
func normalizeTimeline(raw []wireSegment) ([]TimelineSegment, error) {
	segments := make([]TimelineSegment, 0, len(raw))
	points := make([]bool, 0, len(raw))

	for i, w := range raw {
		switch {
		case w.Start != nil:
			verdict, ok := parseVerdict(firstNonEmpty(w.EnsembleResult, w.Label))
			if !ok {
				return nil, serviceError("timeline entry %d has unknown verdict %q", i, firstNonEmpty(w.EnsembleResult, w.Label))
			}
			end := *w.Start + 1
			if w.End != nil {
				end = *w.End
			}
			if end < *w.Start {
				return nil, serviceError("timeline entry %d ends before it starts", i)
			}
			segments = append(segments, TimelineSegment{
				Start:      *w.Start,
				End:        end,
				Verdict:    verdict,
				Confidence: clamp01(firstScore(w.Confidence, w.Score)),
			})
			points = append(points, false)
		case w.T != nil:
			verdict, ok := parseVerdict(firstNonEmpty(w.Label, w.EnsembleResult))
			if !ok {
				return nil, serviceError("timeline entry %d has unknown verdict %q", i, firstNonEmpty(w.Label, w.EnsembleResult))
			}
			segments = append(segments, TimelineSegment{
				Start:      *w.T,
				End:        *w.T + 1,
				Verdict:    verdict,
				Confidence: clamp01(firstScore(w.Score, w.Confidence)),
			})
			points = append(points, true)
		default:
			return nil, serviceError("timeline entry %d has no start offset", i)
		}
	}

	order := make([]int, len(segments))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case segments[a].Start < segments[b].Start:
			return -1
		case segments[a].Start > segments[b].Start:
			return 1
		default:
			return 0
		}
	})

	out := make([]TimelineSegment, 0, len(segments))
	for n, idx := range order {
		seg := segments[idx]
		if points[idx] && n+1 < len(order) {
			if next := segments[order[n+1]].Start; next > seg.Start && next < seg.End {
				seg.End = next
			}
		}
		if len(out) > 0 {
			if prevEnd := out[len(out)-1].End; seg.Start < prevEnd {
				seg.Start = prevEnd
			}
		}
		if seg.End <= seg.Start {
			continue
		}
		out = append(out, seg)
	}

	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstScore(values ...*float64) float64 {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
