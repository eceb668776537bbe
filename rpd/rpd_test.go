package rpd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `# e2 studio partition data
FLASH_S_SIZE=0x40000
FLASH_C_SIZE=0x8000
DATA_FLASH_S_SIZE=0x400
RAM_S_SIZE=0x10000
RAM_C_SIZE = 0x2000 ; trailing comment
UNRELATED_KEY=0x1234
`

func TestParse(t *testing.T) {
	p, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x40000), p.FlashS)
	assert.Equal(t, uint32(0x8000), p.FlashC)
	assert.Equal(t, uint32(0x400), p.DataFlashS)
	assert.Equal(t, uint32(0x10000), p.RAMS)
	assert.Equal(t, uint32(0x2000), p.RAMC)
}

func TestBoundaryConversion(t *testing.T) {
	p, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	b, err := p.Boundary()
	require.NoError(t, err)
	assert.Equal(t, Boundary{CFS1: 224, CFS2: 256, DFS: 1, SRS1: 56, SRS2: 64}, b)
}

func TestParseRejectsMissingKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("FLASH_S_SIZE=0x1000\n"))
	assert.ErrorContains(t, err, "missing key")
}

func TestParseRejectsMalformedLine(t *testing.T) {
	_, err := Parse(strings.NewReader("FLASH_S_SIZE 0x1000\n"))
	assert.ErrorContains(t, err, "key=value")
}

func TestBoundaryRejectsInvertedSizes(t *testing.T) {
	p := Partition{FlashS: 0x1000, FlashC: 0x2000}
	_, err := p.Boundary()
	assert.ErrorContains(t, err, "FLASH_C_SIZE")
}

func TestBoundaryRejectsUnalignedSizes(t *testing.T) {
	p := Partition{FlashS: 0x1001, FlashC: 0}
	_, err := p.Boundary()
	assert.ErrorContains(t, err, "KiB-aligned")
}
