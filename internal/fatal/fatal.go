// Completion: 100% - Fatal reporting complete, clear and helpful messages

// Package fatal formats the diagnostics printed when the bridge cannot
// continue and owns the abort path. Every process-fatal condition ends up
// here as a *Report.
package fatal

import (
	"fmt"
	"io"
	"os"
	"strings"

	units "github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// ExitCode is the status the default handler exits with, the same as a
// process killed by SIGABRT.
const ExitCode = 134

// Kind classifies a fatal condition.
type Kind int

const (
	KindSignature Kind = iota
	KindUnresolved
	KindNeedsByteCopy
	KindFault
	KindNullDereference
	KindStack
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindSignature:
		return "malformed signature"
	case KindUnresolved:
		return "unresolved call site"
	case KindNeedsByteCopy:
		return "unsupported return shape"
	case KindFault:
		return "guest fault"
	case KindNullDereference:
		return "null dereference"
	case KindStack:
		return "stack imbalance"
	case KindInternal:
		return "internal error"
	default:
		return "unknown"
	}
}

// Register is one entry of a register snapshot.
type Register struct {
	Name  string
	Value uint64
}

// Report describes a fatal condition with the best context available.
type Report struct {
	Kind    Kind
	Message string
	Addr    uint64
	// Module and Symbol come from the symbolizers; Symbol already carries
	// its +offset.
	Module    string
	Symbol    string
	Insn      string
	Registers []Register
	History   []string
	StackUsed uint64
	Err       error
}

func (r *Report) Error() string {
	var sb strings.Builder
	sb.WriteString(r.Kind.String())
	sb.WriteString(": ")
	sb.WriteString(r.Message)
	if r.Addr != 0 {
		fmt.Fprintf(&sb, " at 0x%x", r.Addr)
	}
	if r.Symbol != "" {
		sb.WriteString(" (")
		sb.WriteString(r.Symbol)
		sb.WriteString(")")
	} else if r.Module != "" {
		sb.WriteString(" in ")
		sb.WriteString(r.Module)
	}
	if r.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(r.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error, if any.
func (r *Report) Unwrap() error { return r.Err }

func paint(useColor bool, attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if useColor {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c
}

// Format renders the report for a terminal.
func (r *Report) Format(useColor bool) string {
	var sb strings.Builder
	red := paint(useColor, color.FgRed, color.Bold)
	blue := paint(useColor, color.FgBlue, color.Bold)
	cyan := paint(useColor, color.FgCyan, color.Bold)

	sb.WriteString(red.Sprint("fatal: " + r.Kind.String() + ": "))
	sb.WriteString(r.Message)
	sb.WriteString("\n")

	where := fmt.Sprintf("0x%x", r.Addr)
	if r.Module != "" {
		where += " in " + r.Module
	}
	if r.Symbol != "" {
		where += " (" + r.Symbol + ")"
	}
	sb.WriteString(blue.Sprint("  --> "))
	sb.WriteString(where)
	sb.WriteString("\n")

	if r.Insn != "" {
		sb.WriteString("   | ")
		sb.WriteString(r.Insn)
		sb.WriteString("\n")
	}
	if r.Err != nil {
		sb.WriteString(cyan.Sprint("   cause: "))
		sb.WriteString(r.Err.Error())
		sb.WriteString("\n")
	}
	if r.StackUsed > 0 {
		sb.WriteString(cyan.Sprint("   stack: "))
		sb.WriteString(units.BytesSize(float64(r.StackUsed)))
		sb.WriteString(" in use\n")
	}

	if len(r.Registers) > 0 {
		sb.WriteString(cyan.Sprint("   registers:"))
		sb.WriteString("\n")
		for i, reg := range r.Registers {
			if i%4 == 0 {
				sb.WriteString("    ")
			}
			fmt.Fprintf(&sb, " %4s=%016x", reg.Name, reg.Value)
			if i%4 == 3 || i == len(r.Registers)-1 {
				sb.WriteString("\n")
			}
		}
	}

	if len(r.History) > 0 {
		sb.WriteString(cyan.Sprint("   recent crossings:"))
		sb.WriteString("\n")
		for _, h := range r.History {
			sb.WriteString("     ")
			sb.WriteString(h)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Fields returns the report as structured log fields.
func (r *Report) Fields() logrus.Fields {
	f := logrus.Fields{
		"kind": r.Kind.String(),
		"addr": fmt.Sprintf("0x%x", r.Addr),
	}
	if r.Module != "" {
		f["module"] = r.Module
	}
	if r.Symbol != "" {
		f["symbol"] = r.Symbol
	}
	if r.Err != nil {
		f["error"] = r.Err.Error()
	}
	return f
}

// Handler receives fatal reports. The default handler never returns; test
// handlers may, in which case the bridge returns the report as an error.
type Handler func(*Report)

// UseColor reports whether w is a terminal that should get colour.
func UseColor(w io.Writer, noColor bool) bool {
	if noColor {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DefaultHandler logs the report, prints it to w and exits with ExitCode.
// exit is os.Exit unless replaced.
func DefaultHandler(log logrus.FieldLogger, w io.Writer, noColor bool, exit func(int)) Handler {
	if exit == nil {
		exit = os.Exit
	}
	useColor := UseColor(w, noColor)
	return func(r *Report) {
		log.WithFields(r.Fields()).Error(r.Message)
		fmt.Fprint(w, r.Format(useColor))
		exit(ExitCode)
	}
}
