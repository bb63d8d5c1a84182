// Package wasmbin walks the section table of a WebAssembly binary. It reads
// and rewrites custom sections without decoding the code they sit next to.
package wasmbin

import (
	"bytes"
	"errors"
	"fmt"
)

// Header is the magic number and version every module starts with.
var Header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

const customSectionID = 0

var (
	errBadHeader = errors.New("missing wasm header")
	errTruncated = errors.New("truncated section")
	errOverflow  = errors.New("LEB128 value overflows u32")
)

// Section is one entry of the section table. For custom sections Name is
// set and Data holds the bytes after the name.
type Section struct {
	Name  string
	Data  []byte
	Start int
	End   int
	ID    byte
}

// Parse returns the sections of module in file order.
func Parse(module []byte) ([]Section, error) {
	if len(module) < len(Header) || !bytes.Equal(module[:len(Header)], Header) {
		return nil, errBadHeader
	}

	var sections []Section
	off := len(Header)
	for off < len(module) {
		start := off
		id := module[off]
		off++

		size, n, err := readU32(module[off:])
		if err != nil {
			return nil, fmt.Errorf("section at offset %d: %w", start, err)
		}
		off += n
		end := off + int(size)
		if end > len(module) {
			return nil, fmt.Errorf("section at offset %d: %w", start, errTruncated)
		}

		s := Section{ID: id, Start: start, End: end, Data: module[off:end]}
		if id == customSectionID {
			nameLen, n, err := readU32(s.Data)
			if err != nil {
				return nil, fmt.Errorf("custom section name at offset %d: %w", start, err)
			}
			if n+int(nameLen) > len(s.Data) {
				return nil, fmt.Errorf("custom section name at offset %d: %w", start, errTruncated)
			}
			s.Name = string(s.Data[n : n+int(nameLen)])
			s.Data = s.Data[n+int(nameLen):]
		}
		sections = append(sections, s)
		off = end
	}
	return sections, nil
}

// CustomSection returns the payload of the first custom section called name.
func CustomSection(sections []Section, name string) ([]byte, bool) {
	for _, s := range sections {
		if s.ID == customSectionID && s.Name == name {
			return s.Data, true
		}
	}
	return nil, false
}

// StripCustom returns a copy of module without any custom section called name.
func StripCustom(module []byte, name string) ([]byte, error) {
	sections, err := Parse(module)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(module))
	out = append(out, Header...)
	for _, s := range sections {
		if s.ID == customSectionID && s.Name == name {
			continue
		}
		out = append(out, module[s.Start:s.End]...)
	}
	return out, nil
}

// AppendCustom returns a copy of module with a custom section appended.
func AppendCustom(module []byte, name string, data []byte) []byte {
	var body []byte
	body = appendU32(body, uint32(len(name)))
	body = append(body, name...)
	body = append(body, data...)

	out := make([]byte, 0, len(module)+len(body)+6)
	out = append(out, module...)
	out = append(out, customSectionID)
	out = appendU32(out, uint32(len(body)))
	return append(out, body...)
}

func readU32(b []byte) (uint32, int, error) {
	var result uint32
	var shift uint
	for i := 0; i < 5; i++ {
		if i >= len(b) {
			return 0, 0, errTruncated
		}
		c := b[i]
		if i == 4 && c&0xf0 != 0 {
			return 0, 0, errOverflow
		}
		result |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errOverflow
}

func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}
