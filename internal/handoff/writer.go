package handoff

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tphakala/clipguard/internal/analysis"
	"github.com/tphakala/clipguard/internal/errors"
)

// Output formats for WriterSink.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// WriterSink writes each outcome to w as an indented JSON document or a YAML
// document.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

// NewWriterSink creates a sink for format json or yaml.
func NewWriterSink(w io.Writer, format string) (*WriterSink, error) {
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatYAML:
	default:
		return nil, errors.Newf("unsupported output format %q", format).
			Component("handoff").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &WriterSink{w: w, format: format}, nil
}

// Name implements Sink.
func (s *WriterSink) Name() string { return "writer-" + s.format }

// Deliver implements Sink.
func (s *WriterSink) Deliver(ctx context.Context, out Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return encode(s.w, s.format, out)
}

// WriteResult writes a bare analysis result in the writer sink's format.
func WriteResult(w io.Writer, format string, res analysis.Result) error {
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatYAML {
		return errors.Newf("unsupported output format %q", format).
			Component("handoff").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return encode(w, format, res)
}

func encode(w io.Writer, format string, v any) error {
	var err error
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err = enc.Encode(v); err == nil {
			err = enc.Close()
		}
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(v)
	}
	if err != nil {
		return errors.New(err).
			Component("handoff").
			Category(errors.CategoryFileIO).
			Context("format", format).
			Build()
	}
	return nil
}
