package ota

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/looplab/fsm"
	log "github.com/sirupsen/logrus"
)

// Download states
const (
	StateIdle             = "idle"
	StateDownloadStarted  = "download_started"
	StateRetryDownload    = "retry_download"
	StateDownloadFinished = "download_finished"
	StateDownloadFailed   = "download_failed"
)

// Flash states
const (
	StateFlashingStarted  = "flashing_started"
	StateFlashingFinished = "flashing_finished"
	StateFlashingFailed   = "flashing_failed"
)

// State machine events
const (
	eventStart  = "start"
	eventRetry  = "retry"
	eventFinish = "finish"
	eventFail   = "fail"
)

// Status is a bitset summarising both state machines of a target run.
type Status uint32

const (
	StatusDownloadStarted Status = 1 << iota
	StatusRetryDownload
	StatusDownloadFinished
	StatusDownloadFailed
	StatusFlashingStarted
	StatusFlashingFinished
	StatusFlashingFailed
)

const (
	downloadBits = StatusDownloadStarted | StatusRetryDownload | StatusDownloadFinished | StatusDownloadFailed
	flashBits    = StatusFlashingStarted | StatusFlashingFinished | StatusFlashingFailed
)

var stateBits = map[string]Status{
	StateDownloadStarted:  StatusDownloadStarted,
	StateRetryDownload:    StatusRetryDownload,
	StateDownloadFinished: StatusDownloadFinished,
	StateDownloadFailed:   StatusDownloadFailed,
	StateFlashingStarted:  StatusFlashingStarted,
	StateFlashingFinished: StatusFlashingFinished,
	StateFlashingFailed:   StatusFlashingFailed,
}

// Has reports whether every bit of flag is set.
func (s Status) Has(flag Status) bool {
	return s&flag == flag
}

func (s Status) String() string {
	if s == 0 {
		return StateIdle
	}
	var parts []string
	for _, name := range []string{
		StateDownloadStarted, StateRetryDownload, StateDownloadFinished, StateDownloadFailed,
		StateFlashingStarted, StateFlashingFinished, StateFlashingFailed,
	} {
		if s.Has(stateBits[name]) {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// statusBits is updated from both pipeline stages.
type statusBits struct {
	v atomic.Uint32
}

func (b *statusBits) load() Status {
	return Status(b.v.Load())
}

// enter replaces the bits of one machine with the bit of its new state.
func (b *statusBits) enter(group Status, state string) {
	for {
		old := b.v.Load()
		next := (Status(old) &^ group) | stateBits[state]
		if b.v.CompareAndSwap(old, uint32(next)) {
			return
		}
	}
}

func newDownloadFSM(bits *statusBits, logger log.FieldLogger) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle, StateRetryDownload}, Dst: StateDownloadStarted},
			{Name: eventRetry, Src: []string{StateDownloadStarted}, Dst: StateRetryDownload},
			{Name: eventFinish, Src: []string{StateDownloadStarted}, Dst: StateDownloadFinished},
			{Name: eventFail, Src: []string{StateIdle, StateDownloadStarted, StateRetryDownload}, Dst: StateDownloadFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				bits.enter(downloadBits, e.Dst)
				logger.WithFields(log.Fields{"from": e.Src, "to": e.Dst}).Debug("download state changed")
			},
		},
	)
}

func newFlashFSM(bits *statusBits, logger log.FieldLogger) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle}, Dst: StateFlashingStarted},
			{Name: eventFinish, Src: []string{StateFlashingStarted}, Dst: StateFlashingFinished},
			{Name: eventFail, Src: []string{StateIdle, StateFlashingStarted}, Dst: StateFlashingFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				bits.enter(flashBits, e.Dst)
				logger.WithFields(log.Fields{"from": e.Src, "to": e.Dst}).Debug("flash state changed")
			},
		},
	)
}
