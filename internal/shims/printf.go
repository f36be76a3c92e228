package shims

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/xyproto/a64bridge/internal/callsite"
	"github.com/xyproto/a64bridge/internal/cpu"
	"github.com/xyproto/a64bridge/internal/typeenc"
)

// printfFamily maps each formatted output function to the encoding of its
// fixed arguments; the format string is always the last of them.
var printfFamily = map[string]string{
	"printf":   "i*",
	"fprintf":  "i^v*",
	"sprintf":  "i**",
	"snprintf": "i*Q*",
	"dprintf":  "ii*",
}

// FormatError is a format string the shim cannot derive arguments from.
type FormatError struct {
	Format string
	Pos    int
	Msg    string
}

func (e *FormatError) Error() string {
	return "format " + strconv.Quote(e.Format) + ": " + e.Msg + " at offset " + strconv.Itoa(e.Pos)
}

// ScanFormat returns the type encoding of the arguments a printf style
// format string consumes, in order.
func ScanFormat(format string) (string, error) {
	var sb strings.Builder
	runes := []rune(format)
	i := 0
	for i < len(runes) {
		if runes[i] != '%' {
			i++
			continue
		}
		start := i
		i++
		if i >= len(runes) {
			return "", &FormatError{format, start, "incomplete conversion"}
		}
		if runes[i] == '%' {
			i++
			continue
		}
		// Positional arguments ("%1$d") reorder the list; not supported.
		j := i
		for j < len(runes) && runes[j] >= '0' && runes[j] <= '9' {
			j++
		}
		if j < len(runes) && j > i && runes[j] == '$' {
			return "", &FormatError{format, start, "positional arguments are not supported"}
		}
		for i < len(runes) && strings.ContainsRune("-+ #0'", runes[i]) {
			i++
		}
		// Width and precision, either of which may be taken from an int
		// argument.
		if i < len(runes) && runes[i] == '*' {
			sb.WriteByte('i')
			i++
		}
		for i < len(runes) && runes[i] >= '0' && runes[i] <= '9' {
			i++
		}
		if i < len(runes) && runes[i] == '.' {
			i++
			if i < len(runes) && runes[i] == '*' {
				sb.WriteByte('i')
				i++
			}
			for i < len(runes) && runes[i] >= '0' && runes[i] <= '9' {
				i++
			}
		}
		length := ""
		for i < len(runes) && strings.ContainsRune("hljztLq", runes[i]) {
			length += string(runes[i])
			i++
		}
		if i >= len(runes) {
			return "", &FormatError{format, start, "incomplete conversion"}
		}
		conv := runes[i]
		i++
		switch conv {
		case 'd', 'i', 'c':
			if wide(length) {
				sb.WriteByte('q')
			} else {
				sb.WriteByte('i')
			}
		case 'u', 'o', 'x', 'X':
			if wide(length) {
				sb.WriteByte('Q')
			} else {
				sb.WriteByte('I')
			}
		case 'e', 'E', 'f', 'F', 'g', 'G', 'a', 'A':
			if length == "L" {
				sb.WriteByte('D')
			} else {
				sb.WriteByte('d')
			}
		case 's':
			sb.WriteByte('*')
		case 'p', 'n':
			sb.WriteString("^v")
		case 'm':
			// glibc: strerror(errno), no argument
		default:
			return "", &FormatError{format, start, "unknown conversion " + strconv.QuoteRune(conv)}
		}
	}
	return sb.String(), nil
}

func wide(length string) bool {
	switch length {
	case "l", "ll", "q", "j", "z", "t":
		return true
	}
	return false
}

// signatures caches compiled variadic signatures by function and encoding.
var signatures sync.Map

func variadicSignature(name, fixed, tail string) (*callsite.Signature, error) {
	enc := fixed + tail
	key := name + " " + enc
	if v, ok := signatures.Load(key); ok {
		return v.(*callsite.Signature), nil
	}
	sig, err := typeenc.CompileVariadic(enc, len(fixed)-1-strings.Count(fixed, "^"))
	if err != nil {
		return nil, err
	}
	cs := callsite.NewSignature(name, sig)
	v, _ := signatures.LoadOrStore(key, cs)
	return v.(*callsite.Signature), nil
}

// Printf returns the shim of a printf family function whose fixed
// arguments have the encoding fixed. It reads the guest format string,
// derives the variadic tail and calls the real function at the trapped
// address through the generic marshaling path.
func Printf(name, fixed string) callsite.ShimFunc {
	formatArg := len(fixed) - 2 - strings.Count(fixed, "^")
	return func(ctx *callsite.ShimContext) (uint64, error) {
		format, err := ReadCString(ctx.Machine, ctx.Machine.RegRead(cpu.X(formatArg)))
		if err != nil {
			return 0, errors.Wrapf(err, "%s format", name)
		}
		tail, err := ScanFormat(format)
		if err != nil {
			return 0, errors.Wrap(err, name)
		}
		sig, err := variadicSignature(name, fixed, tail)
		if err != nil {
			return 0, errors.Wrapf(err, "%s signature", name)
		}
		ctx.Env.Log().WithField("encoding", sig.Host.Sig.String()).Debug(name + " via format")
		return 0, ctx.Env.CallHost(ctx.Addr, sig)
	}
}
