package ota

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bigbag/gateway-ota/internal/api"
	"github.com/bigbag/gateway-ota/internal/checksum"
	"github.com/bigbag/gateway-ota/internal/chunkindex"
	"github.com/bigbag/gateway-ota/internal/fault"
	"github.com/bigbag/gateway-ota/internal/manifest"
)

// stage connects the download producer with the consumer of one run.
type stage struct {
	queue      chan *block
	staged     chan struct{}
	downloaded chan struct{}
}

func (r *targetRun) newStage() *stage {
	return &stage{
		queue:      make(chan *block, r.cfg.QueueCapacity),
		staged:     make(chan struct{}, 1),
		downloaded: make(chan struct{}),
	}
}

// supervise runs the producer until every chunk is queued, restarting it
// from the download cursor after a failure. MaxRetries consecutive
// failures fail the download. The queue is closed only on success.
func (r *targetRun) supervise(ctx context.Context, st *stage) error {
	failures := 0
	for {
		r.fire(ctx, r.download, eventStart)

		err := r.produce(ctx, st, &failures)
		if err == nil {
			r.fire(ctx, r.download, eventFinish)
			close(st.downloaded)
			close(st.queue)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		failures++
		r.log.WithError(err).WithFields(log.Fields{
			"chunk":    r.cursors.Position().Download,
			"failures": failures,
		}).Warn("chunk download failed")

		if failures >= r.cfg.MaxRetries {
			r.fire(ctx, r.download, eventFail)
			return errors.Wrapf(err, "download failed %d times in a row", failures)
		}
		r.fire(ctx, r.download, eventRetry)
		if err := sleep(ctx, r.cfg.RetryDelay); err != nil {
			return err
		}
	}
}

// produce downloads chunks from the download cursor to the end.
func (r *targetRun) produce(ctx context.Context, st *stage, failures *int) error {
	for {
		pos := r.cursors.Position()
		if pos.Download >= pos.Finish {
			return nil
		}
		chunk := r.target.Chunks[pos.Download-pos.Start]

		b, err := r.pool.get(ctx)
		if err != nil {
			return err
		}
		if err := r.fetch(ctx, b, chunk); err != nil {
			r.pool.put(b)
			r.reportChunk(ctx, chunk, api.Failure)
			return err
		}
		r.reportChunk(ctx, chunk, api.Success)

		if err := r.cursors.AdvanceDownload(); err != nil {
			r.pool.put(b)
			return err
		}
		select {
		case st.queue <- b:
		case <-ctx.Done():
			r.pool.put(b)
			return ctx.Err()
		}
		*failures = 0

		select {
		case st.staged <- struct{}{}:
		default:
		}
	}
}

// fetch downloads chunk into b and checks its size and checksum.
func (r *targetRun) fetch(ctx context.Context, b *block, chunk manifest.Chunk) error {
	n, err := r.engine.server.FetchChunk(ctx, r.session, r.target, chunk, b.buf)
	if err != nil {
		return err
	}
	if n != chunk.Size {
		return fault.Wrap(fault.Integrity, "verify chunk", &MismatchError{
			What: "size", Chunk: chunk.Index, Want: strconv.Itoa(chunk.Size), Got: strconv.Itoa(n),
		})
	}
	if sum := checksum.Sum(b.buf[:n]); sum != chunk.Checksum {
		return fault.Wrap(fault.Integrity, "verify chunk", &MismatchError{
			What: "checksum", Chunk: chunk.Index, Want: checksum.Format(chunk.Checksum), Got: checksum.Format(sum),
		})
	}

	b.n = n
	b.chunk = chunk
	r.log.WithFields(log.Fields{"chunk": chunk.Index, "size": n}).Debug("chunk downloaded")
	return nil
}

func (r *targetRun) reportChunk(ctx context.Context, chunk manifest.Chunk, result api.Result) {
	if err := r.engine.server.PostChunkResult(ctx, r.session, r.target, chunk, result); err != nil {
		r.log.WithError(err).WithField("chunk", chunk.Index).Warn("failed to report chunk result")
	}
}

// waitStaged blocks until capacity-1 blocks are queued or the download
// has finished.
func (r *targetRun) waitStaged(ctx context.Context, st *stage) error {
	for len(st.queue) < cap(st.queue)-1 {
		select {
		case <-st.staged:
		case <-st.downloaded:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// next returns the next queued block, or nil once the queue is closed.
func (st *stage) next(ctx context.Context) (*block, error) {
	select {
	case b, ok := <-st.queue:
		if !ok {
			return nil, nil
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// accept checks a dequeued block against the chunk index and folds it into
// the image checksum.
func (r *targetRun) accept(b *block, want int) error {
	if b.chunk.Index != want {
		return fault.New(fault.Format, "accept chunk", "chunk %d arrived, expected %d", b.chunk.Index, want)
	}
	rec, err := chunkindex.Find(r.indexPath, want)
	if errors.Is(err, chunkindex.ErrNotFound) {
		return fault.Wrap(fault.Format, "accept chunk", errors.Wrapf(err, "chunk %d", want))
	}
	if err != nil {
		return err
	}
	if rec.Size != b.n {
		return fault.Wrap(fault.Integrity, "accept chunk", &MismatchError{
			What: "size", Chunk: want, Want: strconv.Itoa(rec.Size), Got: strconv.Itoa(b.n),
		})
	}
	if sum := checksum.Format(r.crc.Calculate(b.data())); sum != rec.Checksum {
		return fault.Wrap(fault.Integrity, "accept chunk", &MismatchError{
			What: "checksum", Chunk: want, Want: rec.Checksum, Got: sum,
		})
	}
	return nil
}

// persistIndex writes the chunk index and returns the resume state to
// continue from, if any.
func (r *targetRun) persistIndex(resumable bool) (*resumeState, error) {
	var resume *resumeState
	if resumable {
		s, err := loadState(r.statePath)
		if err != nil {
			r.log.WithError(err).Warn("ignoring unreadable resume state")
		}
		if s != nil && s.matches(r.session.UpdateID, r.target) {
			first, err := chunkindex.ReadIndexFromFirstLine(r.indexPath)
			switch {
			case err != nil:
				r.log.WithError(err).Warn("chunk index unusable, starting over")
			case first != r.target.Start():
				r.log.WithField("first", first).Warn("chunk index belongs to another image, starting over")
			default:
				resume = s
			}
		}
	}
	if resume == nil {
		if err := clearState(r.statePath); err != nil {
			r.log.WithError(err).Warn("failed to clear resume state")
		}
	}

	if err := chunkindex.Write(r.indexPath, r.target.Records()); err != nil {
		r.fire(context.Background(), r.download, eventFail)
		return nil, err
	}
	return resume, nil
}
