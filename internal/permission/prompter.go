package permission

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tphakala/clipguard/internal/errors"
)

// StaticPrompter answers every prompt from a fixed table. Capabilities
// missing from the table are denied. The command line uses it to stand in
// for an interactive dialog.
type StaticPrompter map[Capability]bool

// Prompt returns the configured answer for c.
func (p StaticPrompter) Prompt(ctx context.Context, c Capability) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p[c], nil
}

// TerminalPrompter asks on a terminal and reads a yes/no answer per line.
type TerminalPrompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalPrompter creates a prompter reading answers from in and writing
// questions to out.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: bufio.NewReader(in), out: out}
}

// Prompt asks whether c may be used. Anything but "y" or "yes" denies,
// including end of input.
func (p *TerminalPrompter) Prompt(ctx context.Context, c Capability) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprintf(p.out, "Allow clipguard to use the %s? [y/N]: ", c); err != nil {
		return false, err
	}
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// RetryPrompter answers the first prompt for each capability from Initial
// and every later one, i.e. explicit re-requests, from Retry.
type RetryPrompter struct {
	Initial Prompter
	Retry   Prompter

	mu    sync.Mutex
	asked map[Capability]bool
}

// Prompt implements Prompter.
func (p *RetryPrompter) Prompt(ctx context.Context, c Capability) (bool, error) {
	p.mu.Lock()
	if p.asked == nil {
		p.asked = make(map[Capability]bool, len(Capabilities))
	}
	first := !p.asked[c]
	p.asked[c] = true
	p.mu.Unlock()

	if first || p.Retry == nil {
		return p.Initial.Prompt(ctx, c)
	}
	return p.Retry.Prompt(ctx, c)
}
