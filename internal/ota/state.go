package ota

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/bigbag/gateway-ota/internal/hexrec"
	"github.com/bigbag/gateway-ota/internal/manifest"
)

// resumeState is what a target run persists at every committed chunk
// boundary so a restart can continue after the last flashed chunk.
type resumeState struct {
	UpdateID      uint32          `json:"updateId"`
	Target        string          `json:"target"`
	VersionCode   int             `json:"versionCode"`
	TotalChecksum uint32          `json:"totalChecksum"`
	Flash         int             `json:"flash"`
	Download      int             `json:"download"`
	Pages         int             `json:"pages"`
	CRC           uint32          `json:"crc"`
	Parser        hexrec.Snapshot `json:"parser"`
	Attempt       string          `json:"attempt"`
}

// matches reports whether s was written for the same image.
func (s *resumeState) matches(updateID uint32, t *manifest.Target) bool {
	return s.UpdateID == updateID &&
		s.Target == t.Kind.String() &&
		s.VersionCode == t.VersionCode &&
		s.TotalChecksum == t.TotalChecksum &&
		s.Flash > t.Start() && s.Flash < t.Finish()
}

func statePath(dir string, kind manifest.Kind) string {
	return filepath.Join(dir, "resume_"+kind.String()+".json")
}

func indexPath(dir string, kind manifest.Kind) string {
	return filepath.Join(dir, "chunks_"+kind.String()+".idx")
}

// loadState returns nil when no usable state exists.
func loadState(path string) (*resumeState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read resume state")
	}
	var s resumeState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "decode resume state %s", path)
	}
	return &s, nil
}

func saveState(path string, s *resumeState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode resume state")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write resume state")
	}
	return errors.Wrap(os.Rename(tmp, path), "commit resume state")
}

func clearState(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	return nil
}
