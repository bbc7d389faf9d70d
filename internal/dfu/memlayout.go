package dfu

import (
	"strconv"
	"strings"

	"github.com/cesanta/errors"
)

// MemoryRegion is one `count*size<type>` run of equally-sized pages
// within a memory layout (spec §3.1).
type MemoryRegion struct {
	PageCount  int
	PageSize   uint32
	MemoryType string
}

// MemoryLayout is the parsed form of a DFU interface descriptor string
// of the form `@Name /0xADDR/CC*SSK<type>,CC*SSK<type>,...` (spec
// §3.1, §4.8). Regions are contiguous: the Nth region starts where the
// (N-1)th ends.
type MemoryLayout struct {
	Name     string
	BaseAddr uint32
	Regions  []MemoryRegion
}

// ParseMemoryLayout parses a DFU interface string such as
// "@Internal Flash /0x08000000/04*016Kg,01*064Kg,07*128Kg".
func ParseMemoryLayout(s string) (*MemoryLayout, error) {
	if !strings.HasPrefix(s, "@") {
		return nil, errors.Errorf("memory layout string must start with '@': %q", s)
	}
	parts := strings.SplitN(s[1:], "/", 3)
	if len(parts) != 3 {
		return nil, errors.Errorf("malformed memory layout string: %q", s)
	}
	name := strings.TrimSpace(parts[0])
	addr, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 0, 32)
	if err != nil {
		return nil, errors.Annotatef(err, "bad base address in memory layout string")
	}

	var regions []MemoryRegion
	for _, spec := range strings.Split(parts[2], ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		r, err := parseMemoryRegion(spec)
		if err != nil {
			return nil, errors.Annotatef(err, "bad region %q in memory layout string", spec)
		}
		regions = append(regions, r)
	}
	if len(regions) == 0 {
		return nil, errors.Errorf("memory layout string has no regions: %q", s)
	}
	return &MemoryLayout{Name: name, BaseAddr: uint32(addr), Regions: regions}, nil
}

// parseMemoryRegion parses one "CC*SSS[K|M|B]<type letters>" term.
func parseMemoryRegion(spec string) (MemoryRegion, error) {
	star := strings.IndexByte(spec, '*')
	if star < 0 {
		return MemoryRegion{}, errors.Errorf("missing '*'")
	}
	count, err := strconv.Atoi(spec[:star])
	if err != nil {
		return MemoryRegion{}, errors.Annotatef(err, "bad page count")
	}

	rest := spec[star+1:]
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i == 0 {
		return MemoryRegion{}, errors.Errorf("missing page size")
	}
	size, err := strconv.Atoi(rest[:i])
	if err != nil {
		return MemoryRegion{}, errors.Annotatef(err, "bad page size")
	}
	if i >= len(rest) {
		return MemoryRegion{}, errors.Errorf("missing unit suffix")
	}
	var multiplier uint32
	switch rest[i] {
	case 'B':
		multiplier = 1
	case 'K':
		multiplier = 1024
	case 'M':
		multiplier = 1024 * 1024
	default:
		return MemoryRegion{}, errors.Errorf("unrecognized unit %q", rest[i])
	}
	memType := rest[i+1:]
	return MemoryRegion{
		PageCount:  count,
		PageSize:   uint32(size) * multiplier,
		MemoryType: memType,
	}, nil
}

// ErasePages computes the ordered, deduplicated list of absolute page
// start addresses that must be erased to cover the write range
// [start, start+length) given as offsets from BaseAddr, per spec
// §4.8/scenario 6. Page table entries are absolute (the Nth region
// starts at BaseAddr plus everything before it), so start/length are
// shifted into that frame before the overlap test.
func (m *MemoryLayout) ErasePages(start uint32, length uint32) []uint32 {
	if length == 0 {
		return nil
	}
	startAbs := m.BaseAddr + start
	endAbs := startAbs + length
	var pages []uint32
	addr := m.BaseAddr
	for _, region := range m.Regions {
		for i := 0; i < region.PageCount; i++ {
			pageStart := addr
			pageEnd := addr + region.PageSize
			if pageEnd > startAbs && pageStart < endAbs {
				pages = append(pages, pageStart)
			}
			addr = pageEnd
		}
	}
	return pages
}
