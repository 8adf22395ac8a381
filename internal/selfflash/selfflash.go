// Package selfflash writes a downloaded image into the host controller's
// alternate partition.
package selfflash

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/bigbag/gateway-ota/internal/fault"
	"github.com/bigbag/gateway-ota/internal/partition"
)

// Updater is the platform's in-place update primitive.
type Updater interface {
	Begin(size int64) error
	Write(p []byte) (int, error)
	End() error
	Abort() error
	Remaining() int64
	IsFinished() bool
}

// ImageInfo describes the image about to be written.
type ImageInfo struct {
	Size    int64
	Version string
}

// Strategy streams one image into the updater.
type Strategy struct {
	updater Updater
	log     log.FieldLogger
	total   int64
	written int64
	started bool
}

// New creates a strategy over updater.
func New(updater Updater, logger log.FieldLogger) *Strategy {
	return &Strategy{updater: updater, log: logger}
}

// Init reserves space for the image.
func (s *Strategy) Init(info ImageInfo) error {
	if err := s.updater.Begin(info.Size); err != nil {
		return MapError("init", err)
	}

	s.total = info.Size
	s.written = 0
	s.started = true
	s.log.WithFields(log.Fields{"size": info.Size, "version": info.Version}).Info("self-flash session started")
	return nil
}

// Write streams p into the partition and returns the fraction written so far.
func (s *Strategy) Write(p []byte) (float64, error) {
	if !s.started {
		return 0, fault.New(fault.Format, "self-flash write", "session not started")
	}
	if s.updater.IsFinished() {
		return 1, fault.New(fault.Capacity, "self-flash write", "image already complete")
	}
	if remaining := s.updater.Remaining(); int64(len(p)) > remaining {
		return s.progress(), fault.New(fault.Capacity, "self-flash write", "%d bytes with %d remaining", len(p), remaining)
	}

	n, err := s.updater.Write(p)
	s.written += int64(n)
	if err != nil {
		return s.progress(), MapError("self-flash write", err)
	}
	return s.progress(), nil
}

// TearDown finalizes the image and activates it.
func (s *Strategy) TearDown() error {
	if !s.started {
		return fault.New(fault.Format, "self-flash teardown", "session not started")
	}
	s.started = false
	if err := s.updater.End(); err != nil {
		return MapError("self-flash teardown", err)
	}
	s.log.WithField("bytes", s.written).Info("self-flash image activated")
	return nil
}

// Abort drops the session and its partial image.
func (s *Strategy) Abort() {
	if !s.started {
		return
	}
	s.started = false
	if err := s.updater.Abort(); err != nil {
		s.log.WithError(err).Warn("failed to abort self-flash session")
	}
}

func (s *Strategy) progress() float64 {
	if s.total == 0 {
		return 0
	}
	return float64(s.written) / float64(s.total)
}

// MapError classifies an updater error.
func MapError(op string, err error) error {
	var perr *partition.Error
	if !errors.As(err, &perr) {
		return fault.Wrap(fault.Device, op, err)
	}
	return fault.Wrap(kindOf(perr.Code), op, fmt.Errorf("code %d: %w", perr.Code, err))
}

func kindOf(code partition.Code) fault.Kind {
	switch code {
	case partition.ErrSpace, partition.ErrSize:
		return fault.Capacity
	case partition.ErrStream:
		return fault.Timeout
	case partition.ErrMD5, partition.ErrMagicByte:
		return fault.Integrity
	case partition.ErrBadArgument:
		return fault.Format
	default:
		return fault.Device
	}
}
