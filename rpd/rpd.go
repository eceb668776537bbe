// package rpd parses Renesas Partition Data files, the key/value format
// the e2 studio toolchain emits for TrustZone partition sizes.
//
// Values are hexadecimal byte counts; the boot firmware's boundary
// command wants KiB, so Boundary converts. FLASH_S_SIZE and RAM_S_SIZE
// are the total secure sizes including the callable region, and
// FLASH_C_SIZE and RAM_C_SIZE the callable (NSC) shares within them.
package rpd

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Partition holds the raw byte sizes from an .rpd file.
type Partition struct {
	FlashS     uint32 // FLASH_S_SIZE
	FlashC     uint32 // FLASH_C_SIZE
	DataFlashS uint32 // DATA_FLASH_S_SIZE
	RAMS       uint32 // RAM_S_SIZE
	RAMC       uint32 // RAM_C_SIZE
}

// Boundary is the KiB quintuple the boundary-set command consumes.
type Boundary struct {
	CFS1 uint16 // code flash secure, without NSC
	CFS2 uint16 // code flash secure, total
	DFS  uint16 // data flash secure
	SRS1 uint16 // SRAM secure, without NSC
	SRS2 uint16 // SRAM secure, total
}

// Parse reads key/value lines. Unknown keys are ignored; '#' and ';'
// start comments.
func Parse(r io.Reader) (Partition, error) {
	var p Partition
	seen := map[string]bool{}
	sc := bufio.NewScanner(r)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := sc.Text()
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return p, fmt.Errorf("rpd: line %d: expected key=value", lineNum)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "FLASH_S_SIZE", "FLASH_C_SIZE", "DATA_FLASH_S_SIZE", "RAM_S_SIZE", "RAM_C_SIZE":
		default:
			continue
		}
		v64, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 32)
		if err != nil {
			return p, fmt.Errorf("rpd: line %d: bad value %q", lineNum, value)
		}
		v := uint32(v64)
		switch key {
		case "FLASH_S_SIZE":
			p.FlashS = v
		case "FLASH_C_SIZE":
			p.FlashC = v
		case "DATA_FLASH_S_SIZE":
			p.DataFlashS = v
		case "RAM_S_SIZE":
			p.RAMS = v
		case "RAM_C_SIZE":
			p.RAMC = v
		default:
			continue
		}
		seen[key] = true
	}
	if err := sc.Err(); err != nil {
		return p, fmt.Errorf("rpd: %w", err)
	}
	for _, key := range []string{"FLASH_S_SIZE", "FLASH_C_SIZE", "DATA_FLASH_S_SIZE", "RAM_S_SIZE", "RAM_C_SIZE"} {
		if !seen[key] {
			return p, fmt.Errorf("rpd: missing key %s", key)
		}
	}
	return p, nil
}

// Boundary converts the partition byte sizes to the KiB boundary
// record.
func (p Partition) Boundary() (Boundary, error) {
	if p.FlashC > p.FlashS {
		return Boundary{}, fmt.Errorf("rpd: FLASH_C_SIZE exceeds FLASH_S_SIZE")
	}
	if p.RAMC > p.RAMS {
		return Boundary{}, fmt.Errorf("rpd: RAM_C_SIZE exceeds RAM_S_SIZE")
	}
	for _, v := range []uint32{p.FlashS, p.FlashC, p.DataFlashS, p.RAMS, p.RAMC} {
		if v%1024 != 0 {
			return Boundary{}, fmt.Errorf("rpd: size 0x%x is not KiB-aligned", v)
		}
	}
	return Boundary{
		CFS1: uint16((p.FlashS - p.FlashC) / 1024),
		CFS2: uint16(p.FlashS / 1024),
		DFS:  uint16(p.DataFlashS / 1024),
		SRS1: uint16((p.RAMS - p.RAMC) / 1024),
		SRS2: uint16(p.RAMS / 1024),
	}, nil
}
