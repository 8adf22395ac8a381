// Package checksum computes the CRC32 values used to verify firmware chunks
// and whole images.
//
// An Engine keeps two accumulators. The chunk accumulator restarts on every
// Calculate call; the total accumulator runs across calls until Teardown.
// Calling Calculate after Teardown without Reset folds into a finalized
// total and yields a meaningless result.
package checksum

import (
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"strings"
)

const mask = 0xFFFFFFFF

// Engine holds the chunk and total CRC32 accumulators.
type Engine struct {
	table *crc32.Table
	chunk uint32
	total uint32
}

// New builds the lookup table and resets both accumulators.
func New() *Engine {
	e := &Engine{table: crc32.MakeTable(crc32.IEEE)}
	e.Reset()
	return e
}

// Reset reinitializes both accumulators.
func (e *Engine) Reset() {
	e.chunk = mask
	e.total = mask
}

// Calculate folds p into both accumulators and returns the chunk CRC32.
func (e *Engine) Calculate(p []byte) uint32 {
	e.chunk = mask
	for _, b := range p {
		e.chunk = (e.chunk >> 8) ^ e.table[byte(e.chunk)^b]
		e.total = (e.total >> 8) ^ e.table[byte(e.total)^b]
	}
	return e.chunk ^ mask
}

// Teardown finalizes the total accumulator and returns it.
func (e *Engine) Teardown() uint32 {
	e.total ^= mask
	return e.total
}

// State returns the raw total accumulator so it can be persisted.
func (e *Engine) State() uint32 {
	return e.total
}

// Restore sets the raw total accumulator from a persisted State value.
func (e *Engine) Restore(state uint32) {
	e.total = state
}

// Sum returns the CRC32 of p.
func Sum(p []byte) uint32 {
	return crc32.ChecksumIEEE(p)
}

// Format renders a checksum the way manifests carry it.
func Format(v uint32) string {
	return fmt.Sprintf("%08x", v)
}

// Parse decodes an 8 digit hex checksum string.
func Parse(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("checksum %q: want 8 hex digits", s)
	}
	b, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return 0, fmt.Errorf("checksum %q: %w", s, err)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}
