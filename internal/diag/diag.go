// Package diag holds the error taxonomy of the vectorizer: recoverable
// rejects, speculative fallbacks and internal invariant violations, plus a
// collector that turns them into a readable report.
package diag

import (
	"errors"
	"fmt"
	"strings"
)

// Level indicates the severity of a diagnostic
type Level int

const (
	LevelNote Level = iota
	LevelWarning
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelNote:
		return "note"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal error"
	default:
		return "unknown"
	}
}

// Category classifies what went wrong
type Category int

const (
	// CategoryReject: legality or profitability failed, the scalar loop stays
	CategoryReject Category = iota
	// CategorySpeculative: legality is only known at runtime, the loop is multiversioned
	CategorySpeculative
	// CategoryInput: the loop handed to the pass is malformed
	CategoryInput
	// CategoryInternal: an invariant of the pass itself broke
	CategoryInternal
)

func (c Category) String() string {
	switch c {
	case CategoryReject:
		return "reject"
	case CategorySpeculative:
		return "speculative"
	case CategoryInput:
		return "input"
	case CategoryInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Site tells where in the pass a diagnostic was raised
type Site struct {
	Loop  string
	Stage string
	Node  int32 // 0 when not tied to a node
}

func (s Site) String() string {
	var parts []string
	if s.Loop != "" {
		parts = append(parts, s.Loop)
	}
	if s.Stage != "" {
		parts = append(parts, s.Stage)
	}
	if s.Node != 0 {
		parts = append(parts, fmt.Sprintf("n%d", s.Node))
	}
	if len(parts) == 0 {
		return "<pass>"
	}
	return strings.Join(parts, ":")
}

// Diagnostic is one entry of a compile task's report
type Diagnostic struct {
	Level    Level
	Category Category
	Message  string
	Site     Site
	HelpText string
}

// Error implements the error interface
func (d Diagnostic) Error() string {
	return fmt.Sprintf("%s: %s", d.Site, d.Message)
}

// Format renders the diagnostic with an optional color header
func (d Diagnostic) Format(useColor bool) string {
	var sb strings.Builder
	if useColor {
		sb.WriteString(levelColor(d.Level))
	}
	sb.WriteString(d.Level.String())
	if useColor {
		sb.WriteString("\033[0m")
	}
	fmt.Fprintf(&sb, " [%s]: %s\n", d.Category, d.Message)
	if useColor {
		sb.WriteString("\033[1;34m")
	}
	sb.WriteString("  --> ")
	sb.WriteString(d.Site.String())
	if useColor {
		sb.WriteString("\033[0m")
	}
	sb.WriteString("\n")
	if d.HelpText != "" {
		sb.WriteString("   note: ")
		sb.WriteString(d.HelpText)
		sb.WriteString("\n")
	}
	return sb.String()
}

func levelColor(l Level) string {
	switch l {
	case LevelFatal, LevelError:
		return "\033[1;31m"
	case LevelWarning:
		return "\033[1;33m"
	default:
		return "\033[1;36m"
	}
}

// Collector accumulates the diagnostics of one compile task
type Collector struct {
	items []Diagnostic
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	return &Collector{}
}

// Add records a diagnostic
func (c *Collector) Add(d Diagnostic) {
	c.items = append(c.items, d)
}

// Note records an informational diagnostic
func (c *Collector) Note(cat Category, site Site, format string, args ...any) {
	c.Add(Diagnostic{Level: LevelNote, Category: cat, Site: site, Message: fmt.Sprintf(format, args...)})
}

// Items returns the diagnostics in the order they were added
func (c *Collector) Items() []Diagnostic {
	return c.items
}

// Count returns the number of diagnostics at or above level
func (c *Collector) Count(level Level) int {
	n := 0
	for _, d := range c.items {
		if d.Level >= level {
			n++
		}
	}
	return n
}

// HasFatal returns true if an invariant violation was recorded
func (c *Collector) HasFatal() bool {
	return c.Count(LevelFatal) > 0
}

// Report formats every diagnostic, then a summary line
func (c *Collector) Report(useColor bool) string {
	var sb strings.Builder
	for i, d := range c.items {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(d.Format(useColor))
	}
	if len(c.items) > 0 {
		fmt.Fprintf(&sb, "\n%d diagnostic(s), %d fatal\n", len(c.items), c.Count(LevelFatal))
	}
	return sb.String()
}

// Clear resets the collector
func (c *Collector) Clear() {
	c.items = nil
}

// Reject is a recoverable refusal to vectorize. The loop is left as it was.
type Reject struct {
	Stage  string
	Reason string
}

func (r *Reject) Error() string {
	return fmt.Sprintf("%s: %s", r.Stage, r.Reason)
}

// Rejectf creates a Reject for stage
func Rejectf(stage, format string, args ...any) *Reject {
	return &Reject{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// InvariantViolation is a broken internal invariant. The compilation of the
// loop must be abandoned; it is never turned into a reject.
type InvariantViolation struct {
	Message string
	Site    Site
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("internal compiler error at %s: %s", v.Site, v.Message)
}

// Diagnostic converts the violation for a collector
func (v *InvariantViolation) Diagnostic() Diagnostic {
	return Diagnostic{
		Level:    LevelFatal,
		Category: CategoryInternal,
		Message:  v.Message,
		Site:     v.Site,
		HelpText: "the loop was left unoptimized; this is a bug in the vectorizer",
	}
}

// ErrCanceled is wrapped around context errors that stopped a compile task
var ErrCanceled = errors.New("compilation canceled")

// Assert panics with an InvariantViolation when cond is false
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(&InvariantViolation{Message: fmt.Sprintf(format, args...)})
	}
}

// Violation panics with an InvariantViolation raised at site
func Violation(site Site, format string, args ...any) {
	panic(&InvariantViolation{Message: fmt.Sprintf(format, args...), Site: site})
}

// Recover turns a panicking InvariantViolation into *err. Other panics are
// not ours and keep unwinding. Use as: defer diag.Recover(&err)
func Recover(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if v, ok := r.(*InvariantViolation); ok {
		*err = v
		return
	}
	panic(r)
}

// IsInvariantViolation reports whether err wraps an InvariantViolation
func IsInvariantViolation(err error) bool {
	var v *InvariantViolation
	return errors.As(err, &v)
}

// IsReject reports whether err wraps a Reject
func IsReject(err error) bool {
	var r *Reject
	return errors.As(err, &r)
}
