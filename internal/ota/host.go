package ota

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bigbag/gateway-ota/internal/fault"
	"github.com/bigbag/gateway-ota/internal/selfflash"
)

// runHost streams the image into the host controller's alternate
// partition. An interrupted partition session cannot be reopened, so the
// host image is always written from its first chunk.
func (r *targetRun) runHost(ctx context.Context) error {
	if _, err := r.persistIndex(false); err != nil {
		return err
	}
	if r.engine.updater == nil {
		return fault.New(fault.Device, "self-flash", "no partition updater configured")
	}

	strategy := selfflash.New(r.engine.updater, r.log)
	if err := strategy.Init(selfflash.ImageInfo{Size: r.target.TotalSize, Version: r.target.SemanticVersion}); err != nil {
		r.fire(ctx, r.download, eventFail)
		return err
	}

	st := r.newStage()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.supervise(gctx, st)
	})
	g.Go(func() error {
		if err := r.waitStaged(gctx, st); err != nil {
			return err
		}
		r.fire(gctx, r.flash, eventStart)
		return r.hostStage(gctx, st, strategy)
	})
	if err := g.Wait(); err != nil {
		strategy.Abort()
		return err
	}

	if err := r.verifyTotal(); err != nil {
		strategy.Abort()
		return err
	}
	return strategy.TearDown()
}

func (r *targetRun) hostStage(ctx context.Context, st *stage, strategy *selfflash.Strategy) error {
	next := r.cursors.Position().Flash
	for {
		b, err := st.next(ctx)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}

		var progress float64
		err = r.accept(b, next)
		if err == nil {
			progress, err = strategy.Write(b.data())
		}
		r.pool.put(b)
		if err != nil {
			return errors.Wrapf(err, "chunk %d", next)
		}

		if err := r.cursors.AdvanceFlash(); err != nil {
			return err
		}
		r.log.WithFields(log.Fields{"chunk": next, "progress": progress}).Debug("chunk written to partition")
		r.reportProgress()
		next++
	}
}
