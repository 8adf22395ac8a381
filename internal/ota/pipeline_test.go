package ota

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/gateway-ota/internal/hexrec"
	"github.com/bigbag/gateway-ota/internal/manifest"
)

func TestCursors_Invariant(t *testing.T) {
	c := NewCursors(5, 3)
	assert.Equal(t, Position{Start: 5, Download: 5, Flash: 5, Finish: 8}, c.Position())

	assert.Error(t, c.AdvanceFlash(), "flash may not pass download")

	require.NoError(t, c.AdvanceDownload())
	require.NoError(t, c.AdvanceFlash())
	require.NoError(t, c.AdvanceDownload())
	require.NoError(t, c.AdvanceDownload())
	assert.Error(t, c.AdvanceDownload(), "download may not pass finish")
	assert.False(t, c.Done())

	require.NoError(t, c.AdvanceFlash())
	require.NoError(t, c.AdvanceFlash())
	assert.True(t, c.Done())
	assert.True(t, c.Position().valid())

	c.Reset()
	assert.Equal(t, Position{Start: 5, Download: 5, Flash: 5, Finish: 8}, c.Position())

	assert.Error(t, c.Resume(4))
	assert.Error(t, c.Resume(9))
	require.NoError(t, c.Resume(7))
	assert.Equal(t, Position{Start: 5, Download: 7, Flash: 7, Finish: 8}, c.Position())
}

func TestPool(t *testing.T) {
	p := newPool(2, 16)
	ctx := context.Background()

	a, err := p.get(ctx)
	require.NoError(t, err)
	b, err := p.get(ctx)
	require.NoError(t, err)
	assert.Zero(t, p.available())
	assert.Len(t, a.buf, 16)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = p.get(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "an empty pool blocks")

	a.n = 4
	a.chunk = manifest.Chunk{Index: 3}
	p.put(a)
	p.put(b)
	assert.Equal(t, 2, p.available())

	again, err := p.get(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.n)
	assert.Zero(t, again.chunk.Index)
}

func TestStateMachines(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var bits statusBits
	dl := newDownloadFSM(&bits, logger)
	fl := newFlashFSM(&bits, logger)
	ctx := context.Background()

	require.NoError(t, dl.Event(ctx, eventStart))
	assert.Equal(t, StatusDownloadStarted, bits.load())

	require.NoError(t, dl.Event(ctx, eventRetry))
	require.NoError(t, dl.Event(ctx, eventStart))
	require.NoError(t, fl.Event(ctx, eventStart))
	assert.Equal(t, StatusDownloadStarted|StatusFlashingStarted, bits.load())

	require.NoError(t, dl.Event(ctx, eventFinish))
	require.NoError(t, fl.Event(ctx, eventFinish))
	assert.Equal(t, StatusDownloadFinished|StatusFlashingFinished, bits.load())
	assert.Equal(t, "download_finished|flashing_finished", bits.load().String())

	assert.Error(t, dl.Event(ctx, eventRetry), "finished download cannot retry")
	assert.Equal(t, StateIdle, Status(0).String())
}

func TestResumeState(t *testing.T) {
	dir := t.TempDir()
	path := statePath(dir, manifest.Secondary)
	assert.Equal(t, filepath.Join(dir, "resume_secondary.json"), path)

	s, err := loadState(path)
	require.NoError(t, err)
	assert.Nil(t, s)

	target := &manifest.Target{
		Kind:          manifest.Secondary,
		VersionCode:   4,
		TotalChecksum: 0xCAFEBABE,
		Chunks:        []manifest.Chunk{{Index: 2}, {Index: 3}, {Index: 4}},
	}
	want := &resumeState{
		UpdateID:      9,
		Target:        "secondary",
		VersionCode:   4,
		TotalChecksum: 0xCAFEBABE,
		Flash:         3,
		Download:      3,
		Pages:         1,
		CRC:           0x12345678,
		Parser:        hexrec.Snapshot{Pending: ":1000", Partial: []byte{1, 2, 3}, Offset: 259, Line: 17},
		Attempt:       "attempt",
	}
	require.NoError(t, saveState(path, want))

	got, err := loadState(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, got.matches(9, target))
	assert.False(t, got.matches(10, target))

	got.Flash = 2
	assert.False(t, got.matches(9, target), "nothing flashed yet")
	got.Flash = 5
	assert.False(t, got.matches(9, target), "already complete")

	require.NoError(t, clearState(path))
	require.NoError(t, clearState(path))
	s, err = loadState(path)
	require.NoError(t, err)
	assert.Nil(t, s)
}
