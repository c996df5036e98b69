package gdb

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/ardnew/tildabridge/pkg"
)

// Memory region types.
const (
	RegionRAM   = "ram"
	RegionROM   = "rom"
	RegionFlash = "flash"
)

// MemoryRegion is one entry of the target memory map.
type MemoryRegion struct {
	Type      string
	Start     uint32
	Length    uint32
	BlockSize uint32 // erase granularity; flash only
}

// End returns the first address past the region.
func (r MemoryRegion) End() uint64 { return uint64(r.Start) + uint64(r.Length) }

// Contains reports whether addr lies inside the region.
func (r MemoryRegion) Contains(addr uint32) bool {
	return addr >= r.Start && uint64(addr) < r.End()
}

// MemoryMap lists the target's memory regions.
type MemoryMap struct {
	Regions []MemoryRegion
}

// Find returns the region holding addr.
func (m MemoryMap) Find(addr uint32) (MemoryRegion, bool) {
	for _, r := range m.Regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return MemoryRegion{}, false
}

type xmlMemoryMap struct {
	XMLName xml.Name    `xml:"memory-map"`
	Memory  []xmlMemory `xml:"memory"`
}

type xmlMemory struct {
	Type       string        `xml:"type,attr"`
	Start      string        `xml:"start,attr"`
	Length     string        `xml:"length,attr"`
	Properties []xmlProperty `xml:"property"`
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// ParseMemoryMap decodes a memory-map XML document.
func ParseMemoryMap(data []byte) (MemoryMap, error) {
	var doc xmlMemoryMap
	if err := xml.Unmarshal(data, &doc); err != nil {
		return MemoryMap{}, fmt.Errorf("memory map: %w: %w", pkg.ErrProtocol, err)
	}

	m := MemoryMap{Regions: make([]MemoryRegion, 0, len(doc.Memory))}
	for _, mem := range doc.Memory {
		start, err := parseNumber(mem.Start)
		if err != nil {
			return MemoryMap{}, fmt.Errorf("memory map start %q: %w", mem.Start, err)
		}
		length, err := parseNumber(mem.Length)
		if err != nil {
			return MemoryMap{}, fmt.Errorf("memory map length %q: %w", mem.Length, err)
		}
		region := MemoryRegion{Type: mem.Type, Start: start, Length: length}
		for _, prop := range mem.Properties {
			if prop.Name != "blocksize" {
				continue
			}
			if region.BlockSize, err = parseNumber(prop.Value); err != nil {
				return MemoryMap{}, fmt.Errorf("memory map blocksize %q: %w", prop.Value, err)
			}
		}
		m.Regions = append(m.Regions, region)
	}
	return m, nil
}

func parseNumber(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, pkg.ErrProtocol
	}
	return uint32(v), nil
}
