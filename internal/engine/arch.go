// Completion: 100% - Platform module complete
package engine

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

// Arch identifies an instruction set
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86_64
	ArchARM64
	ArchRiscv64
)

func (a Arch) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchARM64:
		return "aarch64"
	case ArchRiscv64:
		return "riscv64"
	default:
		return "unknown"
	}
}

// ParseArch parses an architecture string (like GOARCH values)
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "x86_64", "amd64", "x86-64":
		return ArchX86_64, nil
	case "aarch64", "arm64":
		return ArchARM64, nil
	case "riscv64", "riscv", "rv64":
		return ArchRiscv64, nil
	default:
		return ArchUnknown, fmt.Errorf("unsupported architecture: %s (supported: amd64, arm64, riscv64)", s)
	}
}

// OS identifies the operating system a process runs under
type OS int

const (
	OSUnknown OS = iota
	OSLinux
	OSDarwin
	OSFreeBSD
)

func (o OS) String() string {
	switch o {
	case OSLinux:
		return "linux"
	case OSDarwin:
		return "darwin"
	case OSFreeBSD:
		return "freebsd"
	default:
		return "unknown"
	}
}

// ParseOS parses an OS string (like GOOS values)
func ParseOS(s string) (OS, error) {
	switch strings.ToLower(s) {
	case "linux":
		return OSLinux, nil
	case "darwin", "macos":
		return OSDarwin, nil
	case "freebsd":
		return OSFreeBSD, nil
	default:
		return OSUnknown, fmt.Errorf("unsupported OS: %s (supported: linux, darwin, freebsd)", s)
	}
}

// Platform is an architecture + OS pair
type Platform struct {
	Arch Arch
	OS   OS
}

// String returns a human-readable platform string
func (p Platform) String() string {
	return fmt.Sprintf("%s-%s", p.Arch, p.OS)
}

// FullString returns a detailed platform string
func (p Platform) FullString() string {
	return fmt.Sprintf("%s on %s", p.Arch, p.OS)
}

// Guest is the emulated platform. Guest code always follows the ARM64
// procedure call standard, whatever the host is.
var Guest = Platform{Arch: ArchARM64, OS: OSLinux}

// Host returns the platform this process runs on.
func Host() Platform {
	arch, _ := ParseArch(runtime.GOARCH)
	osys, _ := ParseOS(runtime.GOOS)
	return Platform{Arch: arch, OS: osys}
}

// HostABI names the native calling convention host calls are made with.
func HostABI() string {
	h := Host()
	switch h.Arch {
	case ArchX86_64:
		return "sysv-amd64"
	case ArchARM64:
		if h.OS == OSDarwin {
			return "darwin-aapcs64"
		}
		return "aapcs64"
	case ArchRiscv64:
		return "lp64d"
	default:
		return "unknown"
	}
}

// PageSize returns the host page size in bytes.
func PageSize() uint64 {
	return uint64(unix.Getpagesize())
}
