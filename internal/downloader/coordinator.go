package downloader

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/tanq16/rangefetch/internal/multiplexer"
	"github.com/tanq16/rangefetch/internal/utils"
)

type State int32

const (
	StateIdle State = iota
	StateProbing
	StatePlanning
	StateDownloading
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StatePlanning:
		return "planning"
	case StateDownloading:
		return "downloading"
	default:
		return "idle"
	}
}

// Finished is emitted once when a task completes or fails.
type Finished struct {
	URL string
	Err error
}

func (f Finished) Success() bool { return f.Err == nil }

func (f Finished) Message() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

type Config struct {
	// Timeout bounds the whole task; zero disables it.
	Timeout time.Duration
	// Concurrency overrides the detected CPU count used by the planner.
	Concurrency int
	BufferSize  int
	Fs          afero.Fs
	Space       SpaceChecker

	// Handlers run on the dispatch goroutine and must not call Stop.
	OnProgress func(Progress)
	OnFinish   func(Finished)
}

// Coordinator runs one segmented download at a time.
type Coordinator struct {
	cfg         Config
	concurrency int
	mux         *multiplexer.Multiplexer
	log         zerolog.Logger

	mu   sync.Mutex
	task *task

	state    atomic.Int32
	savePath atomic.Value
	fileSize atomic.Int64
	finished atomic.Int64
}

func New(client utils.HTTPDoer, cfg Config) *Coordinator {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Space == nil {
		cfg.Space = DiskSpace{}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DetectConcurrency()
	}
	c := &Coordinator{
		cfg:         cfg,
		concurrency: concurrency,
		log:         utils.GetLogger("coordinator"),
	}
	c.mux = multiplexer.New(client, multiplexer.Options{
		BufferSize: cfg.BufferSize,
		Logger:     utils.GetLogger("multiplexer"),
	})
	c.savePath.Store("")
	return c
}

// Start opens path and begins downloading url in the background. It returns
// ErrTaskActive while another task runs.
func (c *Coordinator) Start(url, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task != nil {
		c.log.Warn().Str("url", url).Msg("Download rejected, another task is active")
		return ErrTaskActive
	}

	file, err := c.cfg.Fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return &Error{Kind: KindFileSystem, Op: "open " + path, Err: err}
	}

	t := newTask(c, uuid.NewString(), url, path, file)
	c.savePath.Store(path)
	c.fileSize.Store(0)
	c.finished.Store(0)
	c.state.Store(int32(StateProbing))
	c.task = t

	t.log.Info().Str("path", path).Msg("Starting download")
	t.probeID = c.mux.Probe(url)
	if c.cfg.Timeout > 0 {
		t.timer = time.NewTimer(c.cfg.Timeout)
	}
	go c.run(t)
	return nil
}

// Stop aborts the active task, removes its partial file and returns once
// local resources are released. No Finished event is emitted.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	t := c.task
	c.mu.Unlock()
	if t == nil {
		return
	}
	select {
	case t.stopCh <- struct{}{}:
	case <-t.done:
	}
	<-t.done
}

// Close stops any active task and releases the multiplexer.
func (c *Coordinator) Close() {
	c.Stop()
	c.mux.Close()
}

func (c *Coordinator) SavePath() string {
	return c.savePath.Load().(string)
}

// FileSize is the probed size, zero while unknown.
func (c *Coordinator) FileSize() int64 {
	return c.fileSize.Load()
}

func (c *Coordinator) FinishedBytes() int64 {
	return c.finished.Load()
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task != nil
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Coordinator) release(t *task) {
	c.mu.Lock()
	if c.task == t {
		c.task = nil
	}
	c.state.Store(int32(StateIdle))
	c.mu.Unlock()
}

// run serializes every event of t onto one goroutine.
func (c *Coordinator) run(t *task) {
	defer close(t.done)
	var timeout <-chan time.Time
	if t.timer != nil {
		timeout = t.timer.C
	}
	for !t.ended {
		select {
		case ev := <-c.mux.Events():
			c.mux.Dispatch(ev, t)
		case <-timeout:
			t.log.Error().Dur("timeout", c.cfg.Timeout).Msg("Download timed out")
			t.finish(&Error{Kind: KindTimeout, Op: "download", Err: ErrTimeout})
		case <-t.stopCh:
			t.stop()
		}
	}
}
