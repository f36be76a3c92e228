package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArch(t *testing.T) {
	tests := []struct {
		in   string
		want Arch
	}{
		{"arm64", ArchARM64},
		{"aarch64", ArchARM64},
		{"amd64", ArchX86_64},
		{"x86-64", ArchX86_64},
		{"rv64", ArchRiscv64},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseArch(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseArch("mips")
	assert.Error(t, err)
}

func TestGuestPlatform(t *testing.T) {
	assert.Equal(t, ArchARM64, Guest.Arch)
	assert.Equal(t, "aarch64-linux", Guest.String())
}

func TestAlign(t *testing.T) {
	assert.Equal(t, uint64(16), AlignUp(9, 16))
	assert.Equal(t, uint64(16), AlignUp(16, 16))
	assert.Equal(t, uint64(0), AlignUp(0, 8))
	assert.Equal(t, uint64(7), AlignUp(7, 0))
	assert.Equal(t, uint64(0x1000), AlignDown(0x1fff, 0x1000))
}

func TestSimilarNames(t *testing.T) {
	known := []string{"setjmp", "longjmp", "printf", "qsort"}
	assert.Equal(t, []string{"setjmp"}, SimilarNames("setjpm", known, 3))
	assert.Empty(t, SimilarNames("completely_different", known, 3))
	assert.Empty(t, SimilarNames("printf", known, 3), "exact match is not a suggestion")
}

func TestPageSize(t *testing.T) {
	ps := PageSize()
	assert.NotZero(t, ps)
	assert.Zero(t, ps&(ps-1), "page size is a power of two")
}
