// Completion: 90% - sig, run, symbols and version subcommands
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/xyproto/a64bridge/bridge"
	"github.com/xyproto/a64bridge/internal/callsite"
	"github.com/xyproto/a64bridge/internal/config"
	"github.com/xyproto/a64bridge/internal/engine"
	"github.com/xyproto/a64bridge/internal/fatal"
	"github.com/xyproto/a64bridge/internal/hostcall"
	"github.com/xyproto/a64bridge/internal/loader"
	"github.com/xyproto/a64bridge/internal/shims"
	"github.com/xyproto/a64bridge/internal/typeenc"
)

// cli.go - subcommands of the a64bridge command
//
// - a64bridge sig <encoding>...   (show how a call is marshaled)
// - a64bridge run <file.bin>      (run a flat ARM64 binary)
// - a64bridge symbols <file.so>...  (list functions and their table signatures)
// - a64bridge version

// BuiltinModule is the module name the run command's host functions are
// listed under in the signature table.
const BuiltinModule = "a64bridge"

const maxCString = 1 << 16

// CommandContext holds the execution context for a CLI command
type CommandContext struct {
	Config *config.Config
	Log    *logrus.Logger
	Out    io.Writer
	Err    io.Writer
	Exit   func(int)

	highlight *color.Color
	dim       *color.Color
}

func (ctx *CommandContext) configure(fs *pflag.FlagSet) error {
	cfg, err := config.FromFlags(fs)
	if err != nil {
		return err
	}
	ctx.Config = cfg

	log := logrus.New()
	log.SetOutput(ctx.Err)
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	ctx.Log = log

	ctx.highlight = color.New(color.FgCyan, color.Bold)
	ctx.dim = color.New(color.Faint)
	if fatal.UseColor(ctx.Out, cfg.NoColor) {
		ctx.highlight.EnableColor()
		ctx.dim.EnableColor()
	} else {
		ctx.highlight.DisableColor()
		ctx.dim.DisableColor()
	}
	return nil
}

func sigCommand(ctx *CommandContext) *cobra.Command {
	var fixed int
	cmd := &cobra.Command{
		Use:   "sig <encoding>...",
		Short: "Compile type encodings and show how calls are marshaled",
		Example: `  a64bridge sig 'd{CGPoint=dd}i'
  a64bridge sig --fixed 1 'i*iq'
  a64bridge sig '$printf' '%qsort:v^vQQ^?'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return cmdSig(ctx, args, fixed)
		},
	}
	cmd.Flags().IntVar(&fixed, "fixed", -1, "compile as a variadic call with this many fixed arguments")
	return cmd
}

func runCommand(ctx *CommandContext) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <file.bin>",
		Short: "Run a flat ARM64 binary on the built-in interpreter",
		Long: `Maps a flat ARM64 binary, calls the function at --entry with the given
arguments and prints its result. An argument of the form @name passes the
address of a built-in host function: ` + strings.Join(builtinNames(), ", ") + `.`,
		Example: `  a64bridge run add.bin --sig qqq --arg 2 --arg 40
  a64bridge run hello.bin --sig 'i^v' --arg @puts`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return cmdRun(ctx, args[0], opts)
		},
	}
	cmd.Flags().Uint64Var(&opts.entry, "entry", 0, "offset of the entry function in the image")
	cmd.Flags().StringVar(&opts.sig, "sig", "q", "type encoding of the entry function")
	cmd.Flags().StringArrayVarP(&opts.args, "arg", "a", nil, "argument, repeatable")
	cmd.Flags().Uint64Var(&opts.maxSteps, "max-steps", 0, "stop after this many guest instructions (0: no limit)")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", true, "print bridge metrics after the run")
	return cmd
}

func symbolsCommand(ctx *CommandContext) *cobra.Command {
	var dynamic bool
	cmd := &cobra.Command{
		Use:   "symbols <file.so>...",
		Short: "List the functions of ELF files and their table signatures",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return cmdSymbols(ctx, args, dynamic)
		},
	}
	cmd.Flags().BoolVarP(&dynamic, "dynamic", "D", false, "only exported functions, by name")
	return cmd
}

func versionCommand(ctx *CommandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return cmdVersion(ctx)
		},
	}
}

// cmdSig compiles each encoding and prints its descriptor tree, the guest
// argument locations and the return class
func cmdSig(ctx *CommandContext, encodings []string, fixed int) error {
	h := callsite.NewHandlers()
	shims.Install(h)

	for i, enc := range encodings {
		if i > 0 {
			fmt.Fprintln(ctx.Out)
		}
		var entry callsite.Entry
		if fixed >= 0 {
			sig, err := typeenc.CompileVariadic(enc, fixed)
			if err != nil {
				return err
			}
			entry = callsite.NewSignature(enc, sig)
		} else {
			var err error
			if entry, err = callsite.Compile(enc, enc, h); err != nil {
				return err
			}
		}

		switch e := entry.(type) {
		case *callsite.Shim:
			ctx.highlight.Fprintf(ctx.Out, "%s\n", enc)
			fmt.Fprintf(ctx.Out, "  shim %s, marshaled by hand\n", e.Handler)
		case *callsite.Wrapper:
			ctx.highlight.Fprintf(ctx.Out, "%s\n", enc)
			fmt.Fprintf(ctx.Out, "  hooks %s around:\n", e.HookName)
			printSignature(ctx, e.Inner, "  ")
		case *callsite.Signature:
			ctx.highlight.Fprintf(ctx.Out, "%s\n", enc)
			printSignature(ctx, e, "")
		}
	}
	return nil
}

func printSignature(ctx *CommandContext, s *callsite.Signature, indent string) {
	sig := s.Host.Sig
	d := s.Guest
	fmt.Fprintf(ctx.Out, "%s  canonical: %s\n", indent, sig)

	ret := d.Return.Class.String()
	if d.Return.HFA.Count > 0 {
		ret += " " + d.Return.HFA.String()
	}
	fmt.Fprintf(ctx.Out, "%s  return:    %s -> %s\n", indent, sig.Return, ret)
	printType(ctx, sig.Return, indent+"    ")

	for i, loc := range d.Args {
		label := fmt.Sprintf("arg %d:", i)
		if sig.Variadic && i >= sig.FixedArgs {
			label = fmt.Sprintf("arg %d...:", i)
		}
		fmt.Fprintf(ctx.Out, "%s  %-10s %s -> %s\n", indent, label, sig.Args[i], loc)
		printType(ctx, sig.Args[i], indent+"    ")
	}
	ctx.dim.Fprintf(ctx.Out, "%s  outgoing stack %d bytes, indirect scratch %d bytes\n", indent, d.StackBytes, d.IndirectBytes)
}

// printType prints the layout of aggregates, one member per line.
func printType(ctx *CommandContext, t *typeenc.Type, indent string) {
	if t == nil || !t.IsAggregate() {
		return
	}
	name := t.Name
	if name == "" {
		name = "?"
	}
	ctx.dim.Fprintf(ctx.Out, "%s%s %s size=%d align=%d\n", indent, t.Kind, name, t.Size, t.Align)
	switch t.Kind {
	case typeenc.Array:
		fmt.Fprintf(ctx.Out, "%s  [%d]%s\n", indent, t.Len, t.Elem)
		printType(ctx, t.Elem, indent+"    ")
	default:
		for i, f := range t.Fields {
			off := uint64(0)
			if i < len(t.Offsets) {
				off = t.Offsets[i]
			}
			bits := ""
			if f.Bits > 0 {
				bits = fmt.Sprintf(" :%d", f.Bits)
			}
			fmt.Fprintf(ctx.Out, "%s  +%-4d %s%s\n", indent, off, f, bits)
			printType(ctx, f, indent+"    ")
		}
	}
}

type runOptions struct {
	entry    uint64
	sig      string
	args     []string
	maxSteps uint64
	metrics  bool
}

type builtin struct {
	name     string
	encoding string
	fn       func(ctx *CommandContext) hostcall.Func
}

// builtins are the host functions a run command hands out with @name.
var builtins = []builtin{
	{"putchar", "ii", func(ctx *CommandContext) hostcall.Func {
		return func(c *hostcall.Call) error {
			ch := c.Int(0)
			_, err := ctx.Out.Write([]byte{byte(ch)})
			c.SetInt(ch)
			return err
		}
	}},
	{"puts", "i*", func(ctx *CommandContext) hostcall.Func {
		return func(c *hostcall.Call) error {
			n, err := fmt.Fprintln(ctx.Out, cString(c.Pointer(0)))
			c.SetInt(int64(n))
			return err
		}
	}},
	{"print_int", "vq", func(ctx *CommandContext) hostcall.Func {
		return func(c *hostcall.Call) error {
			_, err := fmt.Fprintln(ctx.Out, c.Int(0))
			return err
		}
	}},
	{"print_double", "vd", func(ctx *CommandContext) hostcall.Func {
		return func(c *hostcall.Call) error {
			_, err := fmt.Fprintln(ctx.Out, strconv.FormatFloat(c.Float(0), 'g', -1, 64))
			return err
		}
	}},
	{"clock_ns", "Q", func(*CommandContext) hostcall.Func {
		return func(c *hostcall.Call) error {
			c.SetUint(uint64(time.Now().UnixNano()))
			return nil
		}
	}},
}

func builtinNames() []string {
	names := make([]string, len(builtins))
	for i, b := range builtins {
		names[i] = b.name
	}
	return names
}

// cString reads a NUL terminated string from host memory.
func cString(addr uint64) string {
	if addr == 0 {
		return "(null)"
	}
	p := unsafe.Pointer(uintptr(addr))
	n := 0
	for n < maxCString && *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}

// cmdRun maps a flat binary and calls its entry function
// Confidence that this function is working: 85%
func cmdRun(ctx *CommandContext, path string, opts runOptions) error {
	sig, err := typeenc.Compile(opts.sig)
	if err != nil {
		return errors.Wrap(err, "--sig")
	}

	img, err := loader.LoadFlatFile(path)
	if err != nil {
		return err
	}
	defer img.Close()

	table := loader.NewSignatureTable()
	if ctx.Config.Signatures != "" {
		user, err := loader.LoadSignatureTable(ctx.Config.Signatures)
		if err != nil {
			return err
		}
		table.Merge(user)
	}
	symbols := loader.NewSymbolTable()
	regions := loader.NewRegionSet()

	b, err := bridge.New(bridge.Options{
		Config:     ctx.Config,
		Log:        ctx.Log,
		Regions:    regions,
		Symbols:    loader.Symbolizers{regions, symbols, loader.NewHostMaps()},
		Signatures: table,
		Abort:      fatal.DefaultHandler(ctx.Log, ctx.Err, ctx.Config.NoColor, ctx.Exit),
		MaxSteps:   opts.maxSteps,
	})
	if err != nil {
		return err
	}
	defer b.Close()

	hosts := make(map[string]uint64, len(builtins))
	for _, bi := range builtins {
		addr, err := b.RegisterHost(bi.name, bi.fn(ctx))
		if err != nil {
			return err
		}
		hosts[bi.name] = addr
		symbols.Add(loader.Symbol{Module: BuiltinModule, Name: bi.name, Addr: addr})
		table.Set(BuiltinModule, bi.name, bi.encoding)
	}

	if err := b.AddImage(img); err != nil {
		return err
	}
	if opts.entry >= img.Size {
		return errors.Errorf("entry offset 0x%x is outside the %s image", opts.entry, units.BytesSize(float64(img.Size)))
	}
	entry := img.Base + opts.entry
	symbols.Add(loader.Symbol{Module: filepath.Base(path), Name: "entry", Addr: entry, Size: img.Size - opts.entry})
	if err := b.RegisterCallSite(entry, opts.sig, filepath.Base(path)+" entry"); err != nil {
		return err
	}

	args, err := encodeArgs(sig, opts.args, hosts)
	if err != nil {
		return err
	}
	ret := make([]byte, max(16, sig.Return.Size))
	ctx.Log.WithFields(logrus.Fields{"image": path, "base": fmt.Sprintf("0x%x", img.Base), "entry": opts.sig}).Debug("running guest image")

	start := time.Now()
	if err := b.InvokeGuestFunction(entry, args, unsafe.Pointer(&ret[0])); err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Fprintf(ctx.Out, "%s %s\n", ctx.highlight.Sprint("result:"), formatValue(sig.Return, ret))
	if opts.metrics {
		ctx.dim.Fprintf(ctx.Out, "ran in %s\n", elapsed.Round(time.Microsecond))
		families, err := b.Gatherer().Gather()
		if err != nil {
			return errors.Wrap(err, "gathering metrics")
		}
		printMetrics(ctx, families)
	}
	return nil
}

// encodeArgs parses command line arguments into argument slots for sig.
func encodeArgs(sig *typeenc.Signature, values []string, hosts map[string]uint64) ([]unsafe.Pointer, error) {
	if len(values) != len(sig.Args) {
		return nil, errors.Errorf("%s takes %d arguments, got %d", sig, len(sig.Args), len(values))
	}
	args := make([]unsafe.Pointer, len(values))
	for i, s := range values {
		t := sig.Args[i]
		slot := make([]byte, 16)
		switch {
		case strings.HasPrefix(s, "@"):
			addr, ok := hosts[s[1:]]
			if !ok {
				return nil, errors.Errorf("argument %d: no built-in host function %q (have %s)", i, s[1:], strings.Join(builtinNames(), ", "))
			}
			if t.Kind != typeenc.Pointer {
				return nil, errors.Errorf("argument %d: %s is a pointer but the argument is %s", i, s, t)
			}
			binary.LittleEndian.PutUint64(slot, addr)
		case t.Kind == typeenc.SInt:
			v, err := strconv.ParseInt(s, 0, int(t.Size*8))
			if err != nil {
				return nil, errors.Wrapf(err, "argument %d", i)
			}
			binary.LittleEndian.PutUint64(slot, uint64(v))
		case t.Kind == typeenc.UInt || t.Kind == typeenc.Pointer:
			v, err := strconv.ParseUint(s, 0, int(t.Size*8))
			if err != nil {
				return nil, errors.Wrapf(err, "argument %d", i)
			}
			binary.LittleEndian.PutUint64(slot, v)
		case t.Kind == typeenc.Float:
			v, err := strconv.ParseFloat(s, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "argument %d", i)
			}
			binary.LittleEndian.PutUint32(slot, math.Float32bits(float32(v)))
		case t.Kind == typeenc.Double:
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "argument %d", i)
			}
			binary.LittleEndian.PutUint64(slot, math.Float64bits(v))
		default:
			return nil, errors.Errorf("argument %d: %s cannot be given on the command line", i, t)
		}
		args[i] = unsafe.Pointer(&slot[0])
	}
	return args, nil
}

func formatValue(t *typeenc.Type, b []byte) string {
	switch t.Kind {
	case typeenc.Void:
		return "void"
	case typeenc.SInt:
		switch t.Size {
		case 1:
			return strconv.Itoa(int(int8(b[0])))
		case 2:
			return strconv.Itoa(int(int16(binary.LittleEndian.Uint16(b))))
		case 4:
			return strconv.Itoa(int(int32(binary.LittleEndian.Uint32(b))))
		}
		return strconv.FormatInt(int64(binary.LittleEndian.Uint64(b)), 10)
	case typeenc.UInt:
		switch t.Size {
		case 1:
			return strconv.FormatUint(uint64(b[0]), 10)
		case 2:
			return strconv.FormatUint(uint64(binary.LittleEndian.Uint16(b)), 10)
		case 4:
			return strconv.FormatUint(uint64(binary.LittleEndian.Uint32(b)), 10)
		}
		return strconv.FormatUint(binary.LittleEndian.Uint64(b), 10)
	case typeenc.Float:
		return strconv.FormatFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), 'g', -1, 32)
	case typeenc.Double:
		return strconv.FormatFloat(math.Float64frombits(binary.LittleEndian.Uint64(b)), 'g', -1, 64)
	case typeenc.Pointer:
		return fmt.Sprintf("0x%x", binary.LittleEndian.Uint64(b))
	default:
		return fmt.Sprintf("%s % x", t, b[:t.Size])
	}
}

// printMetrics prints every sample of the gathered families, one per line.
func printMetrics(ctx *CommandContext, families []*dto.MetricFamily) {
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				pairs := make([]string, len(labels))
				for i, l := range labels {
					pairs[i] = l.GetName() + "=" + strconv.Quote(l.GetValue())
				}
				name += "{" + strings.Join(pairs, ",") + "}"
			}
			var v float64
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				v = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				v = m.GetGauge().GetValue()
			default:
				continue
			}
			value := strconv.FormatFloat(v, 'f', -1, 64)
			if strings.HasSuffix(mf.GetName(), "_bytes") {
				value = units.BytesSize(v)
			}
			fmt.Fprintf(ctx.Out, "  %s %s\n", ctx.dim.Sprint(name), value)
		}
	}
}

// cmdSymbols reads the ELF files concurrently and prints their functions
// Confidence that this function is working: 90%
func cmdSymbols(ctx *CommandContext, paths []string, dynamic bool) error {
	var table loader.SignatureSource
	if ctx.Config.Signatures != "" {
		t, err := loader.LoadSignatureTable(ctx.Config.Signatures)
		if err != nil {
			return err
		}
		table = t
	}

	results := make([][]loader.Symbol, len(paths))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		g.Go(func() error {
			if dynamic {
				names, err := loader.ELFFunctionNames(path)
				if err != nil {
					return errors.Wrap(err, path)
				}
				syms := make([]loader.Symbol, len(names))
				for j, name := range names {
					syms[j] = loader.Symbol{Module: filepath.Base(path), Name: name}
				}
				results[i] = syms
				return nil
			}
			syms, err := loader.ELFSymbols(path, 0)
			if err != nil {
				return errors.Wrap(err, path)
			}
			sort.Slice(syms, func(a, b int) bool { return syms[a].Addr < syms[b].Addr })
			results[i] = syms
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, path := range paths {
		ctx.highlight.Fprintf(ctx.Out, "%s (%d functions)\n", path, len(results[i]))
		for _, sym := range results[i] {
			enc := ""
			if table != nil {
				if e, ok := table.TypeEncodingFor(path, sym.Name); ok {
					enc = e
				}
			}
			if dynamic {
				fmt.Fprintf(ctx.Out, "  %-40s %s\n", sym.Name, enc)
				continue
			}
			fmt.Fprintf(ctx.Out, "  0x%08x %6d %-40s %s\n", sym.Addr, sym.Size, sym.Name, enc)
		}
	}
	return nil
}

func cmdVersion(ctx *CommandContext) error {
	fmt.Fprintln(ctx.Out, versionString)
	fmt.Fprintf(ctx.Out, "guest: %s (aapcs64)\n", engine.Guest)
	fmt.Fprintf(ctx.Out, "host:  %s (%s), %s\n", engine.Host(), engine.HostABI(), runtime.Version())
	if _, ok := hostcall.Native(ctx.Log); ok {
		fmt.Fprintln(ctx.Out, "native host calls: libffi")
	} else {
		fmt.Fprintln(ctx.Out, "native host calls: unavailable, Go host functions only")
	}
	return nil
}
