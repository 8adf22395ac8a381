// Package ota runs firmware updates for the gateway's controllers. It
// downloads the chunked images announced by the firmware server and writes
// them into the secondary controller over ISP or into the host controller's
// alternate partition, keeping enough state on disk to resume after a
// restart.
package ota

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bigbag/gateway-ota/internal/api"
	"github.com/bigbag/gateway-ota/internal/checksum"
	"github.com/bigbag/gateway-ota/internal/fault"
	"github.com/bigbag/gateway-ota/internal/logging"
	"github.com/bigbag/gateway-ota/internal/hexrec"
	"github.com/bigbag/gateway-ota/internal/isp"
	"github.com/bigbag/gateway-ota/internal/manifest"
	"github.com/bigbag/gateway-ota/internal/selfflash"
)

// Server is the firmware server as seen by the engine.
type Server interface {
	FetchManifest(ctx context.Context, updateID uint32) ([]byte, error)
	FetchChunk(ctx context.Context, s api.Session, t *manifest.Target, c manifest.Chunk, dst []byte) (int, error)
	PostChunkResult(ctx context.Context, s api.Session, t *manifest.Target, c manifest.Chunk, r api.Result) error
	PostUpdateResult(ctx context.Context, s api.Session, t *manifest.Target, r api.Result) error
}

// Link is an open ISP session with the secondary controller.
type Link interface {
	Connect(ctx context.Context) error
	WritePage(ctx context.Context, index int, page *hexrec.Page) error
	LeaveProgrammingMode(ctx context.Context) error
	Close() error
}

// Dialer opens the ISP link to the secondary controller.
type Dialer func(ctx context.Context) (Link, error)

type programmerLink struct {
	*isp.Programmer
	closer io.Closer
}

func (l programmerLink) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ProgrammerLink wraps p as a Link. closer, if not nil, releases the port.
func ProgrammerLink(p *isp.Programmer, closer io.Closer) Link {
	return programmerLink{Programmer: p, closer: closer}
}

// ProgressFunc is called each time a chunk has been committed to a target.
type ProgressFunc func(kind manifest.Kind, pos Position)

// Config holds the pipeline settings.
type Config struct {
	StateDir      string
	QueueCapacity int
	BlockSize     int
	MaxRetries    int
	RetryDelay    time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithDialer sets how the secondary controller is reached.
func WithDialer(d Dialer) Option {
	return func(e *Engine) { e.dial = d }
}

// WithUpdater sets the host controller's partition updater.
func WithUpdater(u selfflash.Updater) Option {
	return func(e *Engine) { e.updater = u }
}

// WithLogger sets the logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(e *Engine) { e.log = logger }
}

// WithProgress sets the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.progress = fn }
}

// Outcome is the result of one target's update attempt.
type Outcome struct {
	Target   manifest.Kind
	Version  string
	Result   api.Result
	Position Position
	Pages    int
	Status   Status
	Err      error
}

// Engine runs update attempts.
type Engine struct {
	cfg      Config
	id       manifest.Identity
	server   Server
	dial     Dialer
	updater  selfflash.Updater
	log      log.FieldLogger
	progress ProgressFunc
}

// New creates an engine.
func New(cfg Config, id manifest.Identity, server Server, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, id: id, server: server, log: logging.Discard()}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.QueueCapacity < 2 {
		e.cfg.QueueCapacity = 2
	}
	if e.cfg.MaxRetries < 1 {
		e.cfg.MaxRetries = 1
	}
	return e
}

// Run fetches the manifest of updateID and updates every target it names.
func (e *Engine) Run(ctx context.Context, updateID uint32) ([]Outcome, error) {
	data, err := e.server.FetchManifest(ctx, updateID)
	if err != nil {
		return nil, errors.Wrap(err, "fetch manifest")
	}
	m, err := manifest.Parse(data, e.id)
	if err != nil {
		return nil, err
	}
	if m.UpdateID != updateID {
		return nil, fault.New(fault.Format, "validate manifest", "manifest is for update %d, requested %d", m.UpdateID, updateID)
	}
	return e.RunManifest(ctx, m)
}

// RunManifest updates the targets of m one after the other, secondary
// controller first. A failed target does not stop the next one.
func (e *Engine) RunManifest(ctx context.Context, m *manifest.Manifest) ([]Outcome, error) {
	session := api.NewSession(m)

	var outcomes []Outcome
	for _, t := range m.Targets() {
		outcomes = append(outcomes, e.runTarget(ctx, session, t))
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

func (e *Engine) runTarget(ctx context.Context, s api.Session, t *manifest.Target) Outcome {
	r := e.newRun(s, t)
	err := r.execute(ctx)

	out := Outcome{
		Target:   t.Kind,
		Version:  t.SemanticVersion,
		Position: r.cursors.Position(),
		Pages:    r.pages,
		Err:      err,
	}

	if ctx.Err() != nil {
		r.log.WithField("flash", out.Position.Flash).Warn("update interrupted, progress kept for resume")
		out.Result = api.Failure
		out.Status = r.bits.load()
		return out
	}

	out.Result = api.Success
	if err != nil {
		out.Result = api.Failure
		r.log.WithError(err).Error("update failed")
	} else {
		r.log.WithField("pages", r.pages).Info("update finished")
	}

	if perr := e.server.PostUpdateResult(ctx, s, t, out.Result); perr != nil {
		r.log.WithError(perr).Warn("failed to report update result")
	}
	if cerr := clearState(r.statePath); cerr != nil {
		r.log.WithError(cerr).Warn("failed to clear resume state")
	}
	r.cursors.Reset()
	out.Status = r.bits.load()
	return out
}

// targetRun is the state of one target's update attempt.
type targetRun struct {
	engine  *Engine
	cfg     Config
	target  *manifest.Target
	session api.Session
	attempt uuid.UUID
	log     log.FieldLogger

	cursors  *Cursors
	bits     statusBits
	download *fsm.FSM
	flash    *fsm.FSM
	pool     *pool
	crc      *checksum.Engine
	pages    int

	indexPath string
	statePath string
}

func (e *Engine) newRun(s api.Session, t *manifest.Target) *targetRun {
	attempt := uuid.New()
	r := &targetRun{
		engine:  e,
		cfg:     e.cfg,
		target:  t,
		session: s,
		attempt: attempt,
		log: e.log.WithFields(log.Fields{
			"target":  t.Kind.String(),
			"version": t.SemanticVersion,
			"attempt": attempt.String(),
		}),
		cursors:   NewCursors(t.Start(), len(t.Chunks)),
		pool:      newPool(e.cfg.QueueCapacity, e.cfg.BlockSize),
		crc:       checksum.New(),
		indexPath: indexPath(e.cfg.StateDir, t.Kind),
		statePath: statePath(e.cfg.StateDir, t.Kind),
	}
	r.download = newDownloadFSM(&r.bits, r.log)
	r.flash = newFlashFSM(&r.bits, r.log)
	return r
}

// fire moves m along event. Refused transitions are logged, not returned.
func (r *targetRun) fire(ctx context.Context, m *fsm.FSM, event string) {
	if err := m.Event(context.WithoutCancel(ctx), event); err != nil {
		r.log.WithError(err).WithField("event", event).Debug("state transition refused")
	}
}

func (r *targetRun) execute(ctx context.Context) error {
	r.log.WithFields(log.Fields{
		"chunks": len(r.target.Chunks),
		"size":   r.target.TotalSize,
	}).Info("starting update")

	for _, c := range r.target.Chunks {
		if c.Size > r.cfg.BlockSize {
			r.fire(ctx, r.download, eventFail)
			return fault.New(fault.Capacity, "plan download", "chunk %d of %d bytes exceeds the %d byte block", c.Index, c.Size, r.cfg.BlockSize)
		}
	}

	var err error
	switch r.target.Kind {
	case manifest.Secondary:
		err = r.runSecondary(ctx)
	case manifest.Host:
		err = r.runHost(ctx)
	default:
		err = fault.New(fault.Format, "run update", "unknown target %v", r.target.Kind)
	}
	if err != nil {
		r.fire(ctx, r.flash, eventFail)
		return err
	}
	r.fire(ctx, r.flash, eventFinish)
	return nil
}

// verifyTotal compares the whole-image checksum with the manifest.
func (r *targetRun) verifyTotal() error {
	pos := r.cursors.Position()
	if pos.Flash != pos.Finish {
		return fault.New(fault.Integrity, "verify image", "flashed up to chunk %d of %d", pos.Flash, pos.Finish)
	}
	total := r.crc.Teardown()
	if total != r.target.TotalChecksum {
		return fault.Wrap(fault.Integrity, "verify image", &MismatchError{
			What:  "checksum",
			Chunk: -1,
			Want:  checksum.Format(r.target.TotalChecksum),
			Got:   checksum.Format(total),
		})
	}
	return nil
}

func (r *targetRun) reportProgress() {
	if r.engine.progress != nil {
		r.engine.progress(r.target.Kind, r.cursors.Position())
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
