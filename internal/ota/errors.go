package ota

import "fmt"

// MismatchError reports a downloaded chunk or image that does not match
// the manifest.
type MismatchError struct {
	What  string
	Chunk int
	Want  string
	Got   string
}

func (e *MismatchError) Error() string {
	if e.Chunk < 0 {
		return fmt.Sprintf("image %s mismatch: want %s, got %s", e.What, e.Want, e.Got)
	}
	return fmt.Sprintf("chunk %d %s mismatch: want %s, got %s", e.Chunk, e.What, e.Want, e.Got)
}
