package downloader

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/tanq16/rangefetch/internal/multiplexer"
	"golang.org/x/time/rate"
)

// maxChunkRetries is how often a failed chunk is fetched again before the
// whole task fails.
const maxChunkRetries = 1

// task is owned by the coordinator's dispatch goroutine; nothing else reads
// or writes its fields after Start returns.
type task struct {
	c    *Coordinator
	id   string
	url  string
	path string
	log  zerolog.Logger

	start         time.Time
	size          int64
	acceptsRanges bool
	file          afero.File

	probeID  multiplexer.ID
	chunks   []*Chunk
	inflight map[multiplexer.ID]*Chunk

	timer  *time.Timer
	stopCh chan struct{}
	done   chan struct{}
	ended  bool

	lastFraction float64
	progressLog  rate.Sometimes
}

func newTask(c *Coordinator, id, url, path string, file afero.File) *task {
	return &task{
		c:           c,
		id:          id,
		url:         url,
		path:        path,
		log:         c.log.With().Str("task", id).Str("url", url).Logger(),
		start:       time.Now(),
		file:        file,
		inflight:    make(map[multiplexer.ID]*Chunk),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		progressLog: rate.Sometimes{Interval: time.Second},
	}
}

func (t *task) OnProbe(id multiplexer.ID, info multiplexer.ProbeInfo, err error) {
	if t.ended || id != t.probeID {
		return
	}
	if err != nil {
		t.log.Error().Err(err).Msg("Probe failed")
		t.finish(&Error{Kind: KindTransport, Op: "probe", Err: err})
		return
	}

	t.c.setState(StatePlanning)
	t.size = info.Size
	t.acceptsRanges = info.AcceptsRanges
	t.c.fileSize.Store(info.Size)
	t.log.Debug().Int64("size", info.Size).Bool("acceptsRanges", info.AcceptsRanges).Msg("Probe completed")

	free, err := t.c.cfg.Space.Free(t.path)
	if err != nil {
		t.log.Warn().Err(err).Msg("Could not query free space, continuing")
	} else if !hasRoomFor(free, t.size) {
		t.log.Error().Uint64("free", free).Int64("size", t.size).Msg("Not enough free space")
		t.finish(&Error{
			Kind: KindStorage,
			Op:   "check space",
			Err:  fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientStorage, storageMargin*t.size, free),
		})
		return
	}

	t.chunks = PlanChunks(t.size, t.acceptsRanges, t.c.concurrency)
	t.log.Info().Int("chunks", len(t.chunks)).Int64("size", t.size).Msg("Chunk plan ready")
	t.c.setState(StateDownloading)
	for _, chunk := range t.chunks {
		t.fetch(chunk)
	}
}

func (t *task) OnData(id multiplexer.ID, data []byte) {
	chunk, ok := t.inflight[id]
	if !ok || t.ended || t.file == nil {
		return
	}
	if length := chunk.Length(); length >= 0 {
		remaining := length - chunk.Written
		if remaining <= 0 {
			return
		}
		if int64(len(data)) > remaining {
			data = data[:remaining]
		}
	}

	n, err := t.file.WriteAt(data, chunk.Begin+chunk.Written)
	if n > 0 {
		chunk.Written += int64(n)
		if chunk.Written > chunk.credited {
			t.c.finished.Add(chunk.Written - chunk.credited)
			chunk.credited = chunk.Written
		}
	}
	if err != nil {
		t.log.Error().Err(err).Int("chunk", chunk.Index).Msg("Error writing to output file")
		t.finish(&Error{Kind: KindFileSystem, Op: "write " + t.path, Err: err})
		return
	}
	t.emitProgress()
}

func (t *task) OnFinished(id multiplexer.ID, result multiplexer.Result) {
	chunk, ok := t.inflight[id]
	if !ok || t.ended {
		return
	}
	delete(t.inflight, id)
	log := t.log.With().Int("chunk", chunk.Index).Int64("begin", chunk.Begin).Int64("end", chunk.End).Logger()

	if result.Success() {
		if length := chunk.Length(); length >= 0 && chunk.Written != length {
			result = multiplexer.Result{
				Outcome: multiplexer.Failed,
				Err:     fmt.Errorf("%w: wrote %d of %d bytes", ErrIncompleteChunk, chunk.Written, length),
			}
		}
	}

	if result.Success() {
		chunk.Completed = true
		log.Debug().Int64("written", chunk.Written).Msg("Chunk completed")
		if t.allCompleted() {
			t.finish(nil)
		}
		return
	}

	if chunk.Retries < maxChunkRetries {
		chunk.Retries++
		chunk.Written = 0
		log.Warn().Err(result.Err).Int("attempt", chunk.Retries+1).Msg("Retrying chunk")
		t.fetch(chunk)
		return
	}
	log.Error().Err(result.Err).Msg("Chunk failed after retry")
	t.finish(&Error{Kind: KindTransport, Op: fmt.Sprintf("fetch chunk %d", chunk.Index), Err: result.Err})
}

func (t *task) fetch(chunk *Chunk) {
	begin, end := chunk.Begin, chunk.End
	if len(t.chunks) == 1 {
		begin, end = 0, 0
	}
	id := t.c.mux.Fetch(t.url, begin, end)
	t.inflight[id] = chunk
}

func (t *task) allCompleted() bool {
	for _, chunk := range t.chunks {
		if !chunk.Completed {
			return false
		}
	}
	return true
}

func (t *task) emitProgress() {
	written := t.c.finished.Load()
	p, ok := computeProgress(t.url, written, t.size, time.Since(t.start))
	if !ok {
		return
	}
	if p.Fraction < t.lastFraction {
		p.Fraction = t.lastFraction
	}
	t.lastFraction = p.Fraction
	t.progressLog.Do(func() {
		t.log.Debug().Int64("written", written).Float64("fraction", p.Fraction).Float64("bps", p.BytesPerSecond).Msg("Progress")
	})
	if t.c.cfg.OnProgress != nil {
		t.c.cfg.OnProgress(p)
	}
}

// finish ends the task as completed (err == nil) or failed and emits the
// only Finished event the task produces.
func (t *task) finish(err error) {
	if t.ended {
		return
	}
	t.ended = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.c.mux.CancelAll()

	if closeErr := t.closeFile(); closeErr != nil && err == nil {
		err = &Error{Kind: KindFileSystem, Op: "close " + t.path, Err: closeErr}
	}
	if err != nil {
		t.removeFile()
	}
	t.c.release(t)

	elapsed := time.Since(t.start)
	if err != nil {
		t.log.Error().Err(err).Dur("elapsed", elapsed).Msg("Download failed")
	} else {
		t.log.Info().Int64("bytes", t.c.finished.Load()).Dur("elapsed", elapsed).Msg("Download completed")
	}
	if t.c.cfg.OnFinish != nil {
		t.c.cfg.OnFinish(Finished{URL: t.url, Err: err})
	}
}

func (t *task) stop() {
	if t.ended {
		return
	}
	t.ended = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.c.mux.CancelAll()
	if err := t.closeFile(); err != nil {
		t.log.Debug().Err(err).Msg("Error closing output file")
	}
	t.removeFile()
	t.c.release(t)
	t.log.Info().Msg("Download stopped")
}

func (t *task) closeFile() error {
	if t.file == nil {
		return nil
	}
	file := t.file
	t.file = nil
	syncErr := file.Sync()
	if err := file.Close(); err != nil {
		return err
	}
	return syncErr
}

func (t *task) removeFile() {
	if err := t.c.cfg.Fs.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.log.Warn().Err(err).Str("path", t.path).Msg("Error removing partial file")
	}
}
