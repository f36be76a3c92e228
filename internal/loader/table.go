package loader

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// DefaultModule is the table section consulted for symbols any module may
// provide.
const DefaultModule = "default"

// SignatureTable maps (module, symbol) to a type encoding or directive. On
// disk it is TOML with one table per module:
//
//	[libc]
//	strlen = "Q*"
//	printf = "$printf"
//
//	[default]
//	"-[Widget draw]" = "v@:"
type SignatureTable struct {
	mu      sync.RWMutex
	modules map[string]map[string]string
}

// NewSignatureTable returns an empty table.
func NewSignatureTable() *SignatureTable {
	return &SignatureTable{modules: make(map[string]map[string]string)}
}

// ParseSignatureTable decodes a TOML table.
func ParseSignatureTable(data string) (*SignatureTable, error) {
	t := NewSignatureTable()
	if _, err := toml.Decode(data, &t.modules); err != nil {
		return nil, errors.Wrap(err, "decoding signature table")
	}
	return t, nil
}

// LoadSignatureTable reads a TOML table from path.
func LoadSignatureTable(path string) (*SignatureTable, error) {
	t := NewSignatureTable()
	md, err := toml.DecodeFile(path, &t.modules)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding signature table %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("%s: unexpected keys %v", path, undecoded)
	}
	return t, nil
}

// Set adds or replaces one entry.
func (t *SignatureTable) Set(module, symbol, encoding string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.modules[module]
	if !ok {
		m = make(map[string]string)
		t.modules[module] = m
	}
	m[symbol] = encoding
}

// Merge copies every entry of other into t.
func (t *SignatureTable) Merge(other *SignatureTable) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	for module, syms := range other.modules {
		for sym, enc := range syms {
			t.Set(module, sym, enc)
		}
	}
}

// Len is the number of entries.
func (t *SignatureTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, m := range t.modules {
		n += len(m)
	}
	return n
}

// Modules lists the module sections, sorted.
func (t *SignatureTable) Modules() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.modules))
	for name := range t.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModuleName reduces a library path to its table section name:
// "/lib/x86_64-linux-gnu/libc.so.6" becomes "libc".
func ModuleName(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, ".so"); i > 0 {
		return base[:i]
	}
	if i := strings.Index(base, ".dylib"); i > 0 {
		return base[:i]
	}
	return base
}

func (t *SignatureTable) get(module, symbol string) (string, bool) {
	m, ok := t.modules[module]
	if !ok {
		return "", false
	}
	enc, ok := m[symbol]
	return enc, ok
}

// TypeEncodingFor implements SignatureSource. The module is tried as given,
// then by its section name, then DefaultModule. Dynamic method names
// carrying a category are retried without it.
func (t *SignatureTable) TypeEncodingFor(module, symbol string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := []string{symbol}
	if stripped, ok := StripQualifier(symbol); ok {
		names = append(names, stripped)
	}
	for _, mod := range []string{module, ModuleName(module), DefaultModule} {
		for _, name := range names {
			if enc, ok := t.get(mod, name); ok {
				return enc, true
			}
		}
	}
	return "", false
}
