package ota

import (
	"fmt"
	"sync"
)

// Position is a snapshot of the chunk cursors of one target.
type Position struct {
	Start    int `json:"start"`
	Download int `json:"download"`
	Flash    int `json:"flash"`
	Finish   int `json:"finish"`
}

func (p Position) valid() bool {
	return p.Start <= p.Flash && p.Flash <= p.Download && p.Download <= p.Finish
}

// Cursors tracks how far a target's chunks have been downloaded and
// flashed. Start <= Flash <= Download <= Finish holds at all times; a
// mutation that would break it is refused.
type Cursors struct {
	mu  sync.Mutex
	pos Position
}

// NewCursors creates cursors over count chunks numbered from start.
func NewCursors(start, count int) *Cursors {
	return &Cursors{pos: Position{Start: start, Download: start, Flash: start, Finish: start + count}}
}

// Position returns the current cursor values.
func (c *Cursors) Position() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// AdvanceDownload marks the next chunk as downloaded.
func (c *Cursors) AdvanceDownload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos.Download >= c.pos.Finish {
		return fmt.Errorf("download cursor %d already at finish", c.pos.Download)
	}
	c.pos.Download++
	return nil
}

// AdvanceFlash marks the next downloaded chunk as flashed.
func (c *Cursors) AdvanceFlash() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos.Flash >= c.pos.Download {
		return fmt.Errorf("flash cursor %d would pass download cursor %d", c.pos.Flash, c.pos.Download)
	}
	c.pos.Flash++
	return nil
}

// Resume moves both the flash and download cursors to chunk at.
func (c *Cursors) Resume(at int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at < c.pos.Start || at > c.pos.Finish {
		return fmt.Errorf("resume point %d outside [%d, %d]", at, c.pos.Start, c.pos.Finish)
	}
	c.pos.Flash = at
	c.pos.Download = at
	return nil
}

// Done reports whether every chunk has been flashed.
func (c *Cursors) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos.Flash == c.pos.Finish
}

// Reset moves both cursors back to the first chunk.
func (c *Cursors) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos.Download = c.pos.Start
	c.pos.Flash = c.pos.Start
}
