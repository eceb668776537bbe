// package hexfile reads and writes the firmware image formats consumed
// and produced by flash tools: raw binary, Intel HEX and Motorola
// S-record.
package hexfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Format identifies an image encoding.
type Format int

const (
	// Auto selects the format from the file extension.
	Auto Format = iota
	Bin
	IHex
	SRec
)

func (f Format) String() string {
	switch f {
	case Auto:
		return "auto"
	case Bin:
		return "binary"
	case IHex:
		return "Intel HEX"
	case SRec:
		return "Motorola S-record"
	default:
		return "unknown"
	}
}

// ParseFormat maps a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return Auto, nil
	case "bin", "binary":
		return Bin, nil
	case "ihex", "hex":
		return IHex, nil
	case "srec", "mot":
		return SRec, nil
	default:
		return Auto, fmt.Errorf("hexfile: unknown format %q", s)
	}
}

// File is a firmware image held in memory. HasAddr is true when the
// source format carried address information; binary images are
// positioned by the caller.
type File struct {
	Data     []byte
	BaseAddr uint32
	HasAddr  bool
}

// Detect guesses the format from the file extension, defaulting to raw
// binary.
func Detect(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex", ".ihx":
		return IHex
	case ".srec", ".s19", ".s28", ".s37", ".mot":
		return SRec
	default:
		return Bin
	}
}

// Parse reads path in the given format. Auto detects from the
// extension.
func Parse(path string, format Format) (*File, error) {
	if format == Auto {
		format = Detect(path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hexfile: %w", err)
	}
	switch format {
	case Bin:
		return &File{Data: raw}, nil
	case IHex:
		return parseIHex(raw)
	case SRec:
		return parseSRec(raw)
	default:
		return nil, errors.New("hexfile: unknown format")
	}
}

// Write stores data at addr to path in the given format. Auto detects
// from the extension.
func Write(path string, format Format, data []byte, addr uint32) error {
	if format == Auto {
		format = Detect(path)
	}
	var out []byte
	var err error
	switch format {
	case Bin:
		out = data
	case IHex:
		out, err = encodeIHex(data, addr)
	case SRec:
		out, err = encodeSRec(data, addr)
	default:
		err = errors.New("hexfile: unknown format")
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("hexfile: %w", err)
	}
	return nil
}

// sparse accumulates records from an address-carrying format. Gaps
// between records are filled with 0xFF, matching erased flash.
type sparse struct {
	data    []byte
	base    uint32
	haveAny bool
}

func (s *sparse) add(addr uint32, b []byte) {
	if len(b) == 0 {
		return
	}
	if !s.haveAny {
		s.base = addr
		s.data = append(s.data, b...)
		s.haveAny = true
		return
	}
	if addr < s.base {
		pad := s.base - addr
		grown := make([]byte, pad+uint32(len(s.data)))
		for i := range grown[:pad] {
			grown[i] = 0xFF
		}
		copy(grown[pad:], s.data)
		s.data = grown
		s.base = addr
	}
	off := addr - s.base
	end := off + uint32(len(b))
	for uint32(len(s.data)) < end {
		s.data = append(s.data, 0xFF)
	}
	copy(s.data[off:end], b)
}

func (s *sparse) file() *File {
	return &File{Data: s.data, BaseAddr: s.base, HasAddr: true}
}
