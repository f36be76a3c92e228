package loader

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/xyproto/a64bridge/internal/cpu"
	"github.com/xyproto/a64bridge/internal/engine"
)

// Image is a flat guest binary copied into host memory. The host sees the
// pages read-only and never executes them; the engine maps them R|X.
type Image struct {
	Name string
	Base uint64
	Size uint64
	mem  []byte
}

// LoadFlat maps code at a fresh page aligned address.
func LoadFlat(name string, code []byte) (*Image, error) {
	if len(code) == 0 {
		return nil, errors.Errorf("%s: empty image", name)
	}
	size := engine.AlignUp(uint64(len(code)), engine.PageSize())
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: mapping %d bytes", name, size)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ); err != nil {
		_ = unix.Munmap(mem)
		return nil, errors.Wrapf(err, "%s: write protecting image", name)
	}
	return &Image{
		Name: name,
		Base: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		Size: size,
		mem:  mem,
	}, nil
}

// LoadFlatFile reads and maps a flat binary file.
func LoadFlatFile(path string) (*Image, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading guest image")
	}
	return LoadFlat(path, code)
}

// Region describes the image for a RegionSet.
func (img *Image) Region() Region {
	return Region{Start: img.Base, End: img.Base + img.Size, Module: img.Name, Exec: true}
}

// Map makes the image executable for eng and records it in regions.
func (img *Image) Map(eng cpu.Engine, regions *RegionSet) error {
	if err := eng.MemMap(img.Base, img.Size, cpu.ProtRead|cpu.ProtExec); err != nil {
		return errors.Wrapf(err, "%s: mapping into the emulator", img.Name)
	}
	if regions != nil {
		if err := regions.Add(img.Region()); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps the image.
func (img *Image) Close() error {
	if img.mem == nil {
		return nil
	}
	err := unix.Munmap(img.mem)
	img.mem = nil
	return err
}
