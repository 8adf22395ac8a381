package ota

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bigbag/gateway-ota/internal/fault"
	"github.com/bigbag/gateway-ota/internal/hexrec"
)

// pageQueueSize bounds the pages parsed ahead of the flash stage.
const pageQueueSize = 16

// pageItem is either a page to write or the end of a chunk.
type pageItem struct {
	page hexrec.Page
	mark *chunkMark
}

// chunkMark carries the state to persist once a chunk's pages are written.
type chunkMark struct {
	index  int
	crc    uint32
	pages  int
	parser hexrec.Snapshot
}

// runSecondary downloads a hex image and writes it page by page into the
// secondary controller.
func (r *targetRun) runSecondary(ctx context.Context) error {
	resume, err := r.persistIndex(true)
	if err != nil {
		return err
	}

	parser := hexrec.New()
	if resume != nil {
		if err := r.restore(resume, parser); err != nil {
			r.log.WithError(err).Warn("resume state rejected, starting over")
			r.cursors.Reset()
			r.crc.Reset()
			r.pages = 0
			parser = hexrec.New()
		}
	}

	link, err := r.openLink(ctx)
	if err != nil {
		return err
	}
	defer link.Close()

	st := r.newStage()
	pages := make(chan pageItem, pageQueueSize)
	startPages := r.pages

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.supervise(gctx, st)
	})
	g.Go(func() error {
		defer close(pages)
		if err := r.waitStaged(gctx, st); err != nil {
			return err
		}
		r.fire(gctx, r.flash, eventStart)
		return r.parseStage(gctx, st, parser, startPages, pages)
	})
	g.Go(func() error {
		return r.flashStage(gctx, link, startPages, pages)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := r.verifyTotal(); err != nil {
		return err
	}
	if err := link.LeaveProgrammingMode(ctx); err != nil {
		return errors.Wrap(err, "leave programming mode")
	}
	return nil
}

// openLink dials the secondary controller and opens a programming session.
// A session that fails with a transient error is closed and opened again,
// up to MaxRetries times.
func (r *targetRun) openLink(ctx context.Context) (Link, error) {
	if r.engine.dial == nil {
		return nil, fault.New(fault.Device, "open isp link", "no secondary controller link configured")
	}

	var err error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		var link Link
		link, err = r.engine.dial(ctx)
		if err != nil {
			err = errors.Wrap(err, "open isp link")
		} else if err = link.Connect(ctx); err != nil {
			link.Close()
			err = errors.Wrap(err, "connect to secondary controller")
		} else {
			return link, nil
		}

		if !fault.Retryable(err) {
			return nil, err
		}
		r.log.WithError(err).WithField("try", attempt).Warn("programming session failed to open")
		if serr := sleep(ctx, r.cfg.RetryDelay); serr != nil {
			return nil, serr
		}
	}
	return nil, errors.Wrapf(err, "session failed to open %d times", r.cfg.MaxRetries)
}

func (r *targetRun) restore(s *resumeState, parser *hexrec.Parser) error {
	if err := parser.Restore(s.Parser); err != nil {
		return err
	}
	if err := r.cursors.Resume(s.Flash); err != nil {
		return err
	}
	r.crc.Restore(s.CRC)
	r.pages = s.Pages
	r.log.WithFields(log.Fields{
		"chunk":        s.Flash,
		"pages":        s.Pages,
		"last_attempt": s.Attempt,
	}).Info("resuming update")
	return nil
}

// parseStage turns queued chunks into pages. After each chunk it emits a
// mark so the flash stage can commit the chunk once its pages are written.
func (r *targetRun) parseStage(ctx context.Context, st *stage, parser *hexrec.Parser, sealed int, out chan<- pageItem) error {
	next := r.cursors.Position().Flash
	for {
		b, err := st.next(ctx)
		if err != nil {
			return err
		}
		if b == nil {
			break
		}

		err = r.accept(b, next)
		if err == nil {
			_, err = parser.Parse(string(b.data()))
		}
		r.pool.put(b)
		if err != nil {
			return errors.Wrapf(err, "chunk %d", next)
		}

		for _, page := range parser.Drain() {
			if err := send(ctx, out, pageItem{page: page}); err != nil {
				return err
			}
			sealed++
		}
		mark := &chunkMark{index: next, crc: r.crc.State(), pages: sealed, parser: parser.Snapshot()}
		if err := send(ctx, out, pageItem{mark: mark}); err != nil {
			return err
		}
		next++
	}

	if !parser.Finished() {
		return fault.New(fault.Format, "parse image", "image ended without an end of file record")
	}
	return nil
}

func send(ctx context.Context, out chan<- pageItem, item pageItem) error {
	select {
	case out <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flashStage writes pages and commits chunks as their marks arrive.
func (r *targetRun) flashStage(ctx context.Context, link Link, index int, in <-chan pageItem) error {
	for {
		var item pageItem
		var ok bool
		select {
		case item, ok = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			return nil
		}

		if item.mark == nil {
			if err := r.writePage(ctx, link, index, &item.page); err != nil {
				return err
			}
			index++
			continue
		}

		if err := r.commit(item.mark); err != nil {
			return err
		}
	}
}

// writePage retries transient link failures. A read-back mismatch is
// returned at once.
func (r *targetRun) writePage(ctx context.Context, link Link, index int, page *hexrec.Page) error {
	var err error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		err = link.WritePage(ctx, index, page)
		if err == nil || !fault.Retryable(err) {
			return err
		}
		r.log.WithError(err).WithFields(log.Fields{"page": index, "try": attempt}).Warn("page write failed")
		if serr := sleep(ctx, r.cfg.RetryDelay); serr != nil {
			return serr
		}
	}
	return errors.Wrapf(err, "page %d failed %d times", index, r.cfg.MaxRetries)
}

// commit advances the flash cursor past a written chunk and persists the
// resume state for it.
func (r *targetRun) commit(mark *chunkMark) error {
	if err := r.cursors.AdvanceFlash(); err != nil {
		return err
	}
	r.pages = mark.pages
	pos := r.cursors.Position()

	state := &resumeState{
		UpdateID:      r.session.UpdateID,
		Target:        r.target.Kind.String(),
		VersionCode:   r.target.VersionCode,
		TotalChecksum: r.target.TotalChecksum,
		Flash:         pos.Flash,
		Download:      pos.Download,
		Pages:         mark.pages,
		CRC:           mark.crc,
		Parser:        mark.parser,
		Attempt:       r.attempt.String(),
	}
	if err := saveState(r.statePath, state); err != nil {
		r.log.WithError(err).Warn("failed to persist resume state")
	}

	r.log.WithFields(log.Fields{"chunk": mark.index, "pages": mark.pages}).Debug("chunk flashed")
	r.reportProgress()
	return nil
}
