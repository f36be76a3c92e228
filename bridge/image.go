package bridge

import (
	"fmt"

	"github.com/xyproto/a64bridge/internal/loader"
)

// Encodings of the lifecycle entry points of a guest image.
const (
	InitializerEncoding = "v"
	MainEncoding        = "ii???"
)

// ImageInfo lists the entry points of a loaded guest image that host code
// calls without type information.
type ImageInfo struct {
	Name         string
	Main         uint64
	Initializers []uint64
	Terminators  []uint64
}

// RegisterImage registers the static initializers and terminators of an
// image as void functions and main, when known, as int main(int, ...).
func (b *Bridge) RegisterImage(info ImageInfo) error {
	name := info.Name
	if name == "" {
		name = "image"
	}
	for i, fn := range info.Initializers {
		if err := b.RegisterCallSite(fn, InitializerEncoding, fmt.Sprintf("%s initializer %d", name, i)); err != nil {
			return err
		}
	}
	for i, fn := range info.Terminators {
		if err := b.RegisterCallSite(fn, InitializerEncoding, fmt.Sprintf("%s terminator %d", name, i)); err != nil {
			return err
		}
	}
	if info.Main != 0 {
		if err := b.RegisterCallSite(info.Main, MainEncoding, name+" main"); err != nil {
			return err
		}
	}
	b.log.WithField("image", name).WithField("initializers", len(info.Initializers)).Debug("registered image")
	return nil
}

// AddImage makes a mapped guest image executable for every session.
func (b *Bridge) AddImage(img *loader.Image) error {
	return b.regions.Add(img.Region())
}
