package loader

import (
	"debug/elf"
	"path/filepath"

	"github.com/pkg/errors"
)

// ELFSymbols reads the defined function symbols of an ELF file, both the
// dynamic and the static symbol table, relocated by base. Module is the file
// base name.
func ELFSymbols(path string, base uint64) ([]Symbol, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ELF file")
	}
	defer f.Close()

	module := filepath.Base(path)
	seen := make(map[string]bool)
	var out []Symbol
	collect := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
				continue
			}
			if seen[sym.Name] {
				continue
			}
			seen[sym.Name] = true
			out = append(out, Symbol{
				Module: module,
				Name:   sym.Name,
				Addr:   base + sym.Value,
				Size:   sym.Size,
			})
		}
	}

	dyn, dynErr := f.DynamicSymbols()
	collect(dyn)
	static, staticErr := f.Symbols()
	collect(static)
	if dynErr != nil && staticErr != nil {
		return nil, errors.Wrapf(dynErr, "%s has no symbol tables", module)
	}
	return out, nil
}

// ELFFunctionNames lists the exported function names of a shared object.
func ELFFunctionNames(path string) ([]string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ELF file")
	}
	defer f.Close()

	symbols, err := f.DynamicSymbols()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read dynamic symbols")
	}
	var names []string
	for _, sym := range symbols {
		if elf.ST_TYPE(sym.Info) == elf.STT_FUNC && sym.Section != elf.SHN_UNDEF {
			names = append(names, sym.Name)
		}
	}
	return names, nil
}
