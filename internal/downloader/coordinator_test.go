package downloader

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/rangefetch/internal/multiplexer"
	"github.com/tanq16/rangefetch/internal/utils"
)

const outputPath = "/downloads/file.bin"

type fixedSpace struct {
	free uint64
	err  error
}

func (f fixedSpace) Free(string) (uint64, error) { return f.free, f.err }

type recorder struct {
	mu       sync.Mutex
	progress []Progress
	finished chan Finished
}

func (r *recorder) onProgress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) snapshot() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.progress...)
}

func (r *recorder) wait(t *testing.T) Finished {
	t.Helper()
	select {
	case f := <-r.finished:
		return f
	case <-time.After(10 * time.Second):
		t.Fatal("download did not finish")
		return Finished{}
	}
}

// requestLog records the requests a test server receives.
type requestLog struct {
	mu     sync.Mutex
	gets   int
	ranges map[string]int
}

func (l *requestLog) record(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.Method != http.MethodGet {
		return
	}
	l.gets++
	if l.ranges == nil {
		l.ranges = make(map[string]int)
	}
	l.ranges[r.Header.Get("Range")]++
}

func (l *requestLog) count(rangeHeader string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ranges[rangeHeader]
}

func (l *requestLog) getCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gets
}

func (l *requestLog) rangeHeaders() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for header := range l.ranges {
		out = append(out, header)
	}
	return out
}

type harness struct {
	coordinator *Coordinator
	recorder    *recorder
	fs          afero.Fs
	url         string
}

func newHarness(t *testing.T, handler http.Handler, configure func(*Config)) *harness {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	rec := &recorder{finished: make(chan Finished, 4)}
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/downloads", 0755))
	cfg := Config{
		Concurrency: 8,
		BufferSize:  32 * 1024,
		Fs:          fs,
		Space:       fixedSpace{free: 1 << 40},
		OnProgress:  rec.onProgress,
		OnFinish:    func(f Finished) { rec.finished <- f },
	}
	if configure != nil {
		configure(&cfg)
	}
	c := New(utils.NewHTTPClient(utils.HTTPClientConfig{}), cfg)
	t.Cleanup(c.Close)
	return &harness{coordinator: c, recorder: rec, fs: cfg.Fs, url: server.URL + "/file.bin"}
}

func testContent(size int) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}
	return content
}

func serveContent(content []byte, log *requestLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(content))
	}
}

func assertFileContent(t *testing.T, fs afero.Fs, want []byte) {
	t.Helper()
	got, err := afero.ReadFile(fs, outputPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got), "file content differs from served content")
}

func assertFileRemoved(t *testing.T, fs afero.Fs) {
	t.Helper()
	exists, err := afero.Exists(fs, outputPath)
	require.NoError(t, err)
	assert.False(t, exists, "partial file should be removed")
}

func assertMonotonic(t *testing.T, progress []Progress) {
	t.Helper()
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].Fraction, progress[i-1].Fraction)
		assert.GreaterOrEqual(t, progress[i].Written, progress[i-1].Written)
	}
}

func TestCoordinatorSingleChunk(t *testing.T) {
	content := testContent(12_000_000)
	log := &requestLog{}
	h := newHarness(t, serveContent(content, log), func(cfg *Config) { cfg.Concurrency = 1 })

	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	finished := h.recorder.wait(t)

	require.True(t, finished.Success(), finished.Message())
	assert.Equal(t, h.url, finished.URL)
	assert.Equal(t, 1, log.getCount())
	assert.Equal(t, 1, log.count(""), "a single chunk is fetched without a Range header")
	assertFileContent(t, h.fs, content)

	assert.Equal(t, int64(len(content)), h.coordinator.FinishedBytes())
	assert.Equal(t, int64(len(content)), h.coordinator.FileSize())
	assert.Equal(t, outputPath, h.coordinator.SavePath())
	assert.Equal(t, StateIdle, h.coordinator.State())
	assert.False(t, h.coordinator.Active())

	progress := h.recorder.snapshot()
	require.NotEmpty(t, progress)
	assertMonotonic(t, progress)
	assert.InDelta(t, 1.0, progress[len(progress)-1].Fraction, 1e-9)
}

func TestCoordinatorMultipleChunks(t *testing.T) {
	content := testContent(10 << 20)
	log := &requestLog{}
	h := newHarness(t, serveContent(content, log), nil)

	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	finished := h.recorder.wait(t)

	require.True(t, finished.Success(), finished.Message())
	assert.ElementsMatch(t, []string{
		"bytes=0-3495252",
		"bytes=3495253-6990505",
		"bytes=6990506-10485759",
	}, log.rangeHeaders())
	assertFileContent(t, h.fs, content)
	assert.Equal(t, int64(len(content)), h.coordinator.FinishedBytes())
	assertMonotonic(t, h.recorder.snapshot())
}

func TestCoordinatorRetriesFailedChunk(t *testing.T) {
	content := testContent(10 << 20)
	log := &requestLog{}
	const failing = "bytes=3495253-6990505"
	handler := func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		if r.Header.Get("Range") == failing && log.count(failing) == 1 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(content))
	}
	h := newHarness(t, http.HandlerFunc(handler), nil)

	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	finished := h.recorder.wait(t)

	require.True(t, finished.Success(), finished.Message())
	assert.Equal(t, 2, log.count(failing))
	assert.Equal(t, 1, log.count("bytes=0-3495252"))
	assertFileContent(t, h.fs, content)
}

func TestCoordinatorRetryRestartsChunk(t *testing.T) {
	content := testContent(10 << 20)
	log := &requestLog{}
	const failing = "bytes=0-3495252"
	const begin, end = 0, 3495252
	handler := func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		if r.Header.Get("Range") == failing && log.count(failing) == 1 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", begin, end, len(content)))
			w.Header().Set("Content-Length", strconv.Itoa(end-begin+1))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(content[begin : begin+(end-begin)/2])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(content))
	}
	h := newHarness(t, http.HandlerFunc(handler), nil)

	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	finished := h.recorder.wait(t)

	require.True(t, finished.Success(), finished.Message())
	assert.Equal(t, 2, log.count(failing))
	assertFileContent(t, h.fs, content)
	assert.Equal(t, int64(len(content)), h.coordinator.FinishedBytes(), "retried bytes are not counted twice")
	assertMonotonic(t, h.recorder.snapshot())
}

func TestCoordinatorFailsAfterSecondChunkFailure(t *testing.T) {
	content := testContent(10 << 20)
	log := &requestLog{}
	const failing = "bytes=6990506-10485759"
	handler := func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		if r.Header.Get("Range") == failing {
			http.Error(w, "broken", http.StatusBadGateway)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(content))
	}
	h := newHarness(t, http.HandlerFunc(handler), nil)

	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	finished := h.recorder.wait(t)

	require.False(t, finished.Success())
	assert.True(t, errors.Is(finished.Err, multiplexer.ErrUnexpectedStatus))
	assert.Equal(t, KindTransport, KindOf(finished.Err))
	assert.Equal(t, 2, log.count(failing))
	assertFileRemoved(t, h.fs)
	assert.False(t, h.coordinator.Active())

	select {
	case extra := <-h.recorder.finished:
		t.Fatalf("unexpected second finish event: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

// partialContent answers a range request with a 206 whose Content-Range
// names [begin, end] and whose body is exactly body.
func partialContent(w http.ResponseWriter, begin, end, total int, body []byte) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", begin, end, total))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(body)
}

func TestCoordinatorFailureCancelsSiblingChunks(t *testing.T) {
	content := testContent(10 << 20)
	log := &requestLog{}
	const failing = "bytes=6990506-10485759"
	var stalled, aborted atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		switch rangeHeader := r.Header.Get("Range"); {
		case r.Method != http.MethodGet || rangeHeader == "":
			http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(content))
		case rangeHeader == failing:
			// let both siblings get on the wire before failing
			deadline := time.Now().Add(5 * time.Second)
			for stalled.Load() < 2 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			http.Error(w, "broken", http.StatusBadGateway)
		default:
			w.Header().Set("Content-Length", "3495253")
			w.Header().Set("Content-Range", fmt.Sprintf("%s/%d", rangeHeader[len("bytes="):], len(content)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(content[:1024])
			w.(http.Flusher).Flush()
			stalled.Add(1)
			<-r.Context().Done()
			aborted.Add(1)
		}
	}
	h := newHarness(t, http.HandlerFunc(handler), nil)

	start := time.Now()
	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	finished := h.recorder.wait(t)

	require.False(t, finished.Success())
	assert.Less(t, time.Since(start), 8*time.Second, "the task does not wait for stalled siblings")
	assert.True(t, errors.Is(finished.Err, multiplexer.ErrUnexpectedStatus))
	assert.Equal(t, KindTransport, KindOf(finished.Err))
	assert.Equal(t, 2, log.count(failing))
	assert.Equal(t, int32(2), stalled.Load())
	require.Eventually(t, func() bool { return aborted.Load() == 2 }, 5*time.Second, 10*time.Millisecond,
		"every sibling request is cancelled")
	assertFileRemoved(t, h.fs)
	assert.False(t, h.coordinator.Active())
}

func TestCoordinatorShortChunkFailsAfterRetry(t *testing.T) {
	content := testContent(10 << 20)
	log := &requestLog{}
	const short = "bytes=3495253-6990505"
	const begin, end = 3495253, 6990505
	handler := func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		if r.Method == http.MethodGet && r.Header.Get("Range") == short {
			// a clean response that simply carries too few bytes
			partialContent(w, begin, end, len(content), content[begin:begin+1000])
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(content))
	}
	h := newHarness(t, http.HandlerFunc(handler), nil)

	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	finished := h.recorder.wait(t)

	require.False(t, finished.Success())
	assert.True(t, errors.Is(finished.Err, ErrIncompleteChunk), finished.Message())
	assert.Equal(t, KindTransport, KindOf(finished.Err))
	assert.Equal(t, 2, log.count(short), "the short chunk is retried once")
	assertFileRemoved(t, h.fs)
}

func TestCoordinatorTruncatesOverDeliveredChunk(t *testing.T) {
	content := testContent(10 << 20)
	log := &requestLog{}
	const long = "bytes=0-3495252"
	const begin, end = 0, 3495252
	handler := func(w http.ResponseWriter, r *http.Request) {
		log.record(r)
		if r.Method == http.MethodGet && r.Header.Get("Range") == long {
			body := append(bytes.Clone(content[begin:end+1]), bytes.Repeat([]byte{0xff}, 64*1024)...)
			partialContent(w, begin, end, len(content), body)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(content))
	}
	h := newHarness(t, http.HandlerFunc(handler), nil)

	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	finished := h.recorder.wait(t)

	require.True(t, finished.Success(), finished.Message())
	assert.Equal(t, 1, log.count(long))
	assertFileContent(t, h.fs, content)
	assert.Equal(t, int64(len(content)), h.coordinator.FinishedBytes(), "bytes past the chunk end are not counted")
	assertMonotonic(t, h.recorder.snapshot())
}

func TestCoordinatorInsufficientStorage(t *testing.T) {
	content := testContent(1 << 20)
	log := &requestLog{}
	h := newHarness(t, serveContent(content, log), func(cfg *Config) {
		cfg.Space = fixedSpace{free: 3<<20 - 1}
	})

	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	finished := h.recorder.wait(t)

	require.False(t, finished.Success())
	assert.True(t, errors.Is(finished.Err, ErrInsufficientStorage))
	assert.Equal(t, KindStorage, KindOf(finished.Err))
	assert.Equal(t, 0, log.getCount(), "no fetch is issued")
	assertFileRemoved(t, h.fs)
}

func TestCoordinatorSpaceQueryFailureIsIgnored(t *testing.T) {
	content := testContent(1 << 20)
	h := newHarness(t, serveContent(content, &requestLog{}), func(cfg *Config) {
		cfg.Space = fixedSpace{err: errors.New("statfs failed")}
	})

	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	finished := h.recorder.wait(t)

	require.True(t, finished.Success(), finished.Message())
	assertFileContent(t, h.fs, content)
}

func TestCoordinatorProbeFailure(t *testing.T) {
	h := newHarness(t, http.NotFoundHandler(), nil)

	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	finished := h.recorder.wait(t)

	require.False(t, finished.Success())
	assert.True(t, errors.Is(finished.Err, multiplexer.ErrUnexpectedStatus))
	assert.Equal(t, KindTransport, KindOf(finished.Err))
	assertFileRemoved(t, h.fs)
}

func TestCoordinatorUnknownSize(t *testing.T) {
	content := testContent(300 * 1024)
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		for offset := 0; offset < len(content); offset += 64 * 1024 {
			w.Write(content[offset:min(offset+64*1024, len(content))])
			w.(http.Flusher).Flush()
		}
	}
	h := newHarness(t, http.HandlerFunc(handler), nil)

	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	finished := h.recorder.wait(t)

	require.True(t, finished.Success(), finished.Message())
	assertFileContent(t, h.fs, content)
	assert.Equal(t, int64(0), h.coordinator.FileSize())
	assert.Equal(t, int64(len(content)), h.coordinator.FinishedBytes())

	progress := h.recorder.snapshot()
	require.NotEmpty(t, progress)
	for _, p := range progress {
		assert.LessOrEqual(t, p.Fraction, 0.99)
		assert.Equal(t, ETAUnknown, p.ETA)
	}
	assertMonotonic(t, progress)
}

// stallingHandler answers HEAD normally, then streams a little of the body
// and blocks until the client goes away.
func stallingHandler(size int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(size))
		if r.Method == http.MethodHead {
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}
}

func TestCoordinatorStop(t *testing.T) {
	h := newHarness(t, stallingHandler(1<<20), nil)

	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	require.Eventually(t, func() bool {
		return h.coordinator.FinishedBytes() > 0
	}, 5*time.Second, 10*time.Millisecond)

	h.coordinator.Stop()

	assertFileRemoved(t, h.fs)
	assert.False(t, h.coordinator.Active())
	assert.Equal(t, StateIdle, h.coordinator.State())
	select {
	case f := <-h.recorder.finished:
		t.Fatalf("stop must not emit a finish event: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}

	// Stopping an idle coordinator is a no-op.
	h.coordinator.Stop()
}

func TestCoordinatorTimeout(t *testing.T) {
	h := newHarness(t, stallingHandler(1<<20), func(cfg *Config) {
		cfg.Timeout = 100 * time.Millisecond
	})

	started := time.Now()
	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	finished := h.recorder.wait(t)

	require.False(t, finished.Success())
	assert.True(t, errors.Is(finished.Err, ErrTimeout))
	assert.Equal(t, KindTimeout, KindOf(finished.Err))
	assert.Less(t, time.Since(started), 5*time.Second)
	assertFileRemoved(t, h.fs)
}

func TestCoordinatorRejectsConcurrentStart(t *testing.T) {
	h := newHarness(t, stallingHandler(1<<20), nil)

	require.NoError(t, h.coordinator.Start(h.url, outputPath))
	err := h.coordinator.Start(h.url, "/downloads/other.bin")
	assert.ErrorIs(t, err, ErrTaskActive)
	assert.Equal(t, outputPath, h.coordinator.SavePath())

	exists, err := afero.Exists(h.fs, "/downloads/other.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	h.coordinator.Stop()
	require.NoError(t, h.coordinator.Start(h.url, outputPath), "a stopped coordinator accepts new work")
	h.coordinator.Stop()
}

func TestCoordinatorOpenFailure(t *testing.T) {
	h := newHarness(t, serveContent(testContent(1024), &requestLog{}), func(cfg *Config) {
		cfg.Fs = afero.NewReadOnlyFs(afero.NewMemMapFs())
	})

	err := h.coordinator.Start(h.url, outputPath)
	require.Error(t, err)
	assert.Equal(t, KindFileSystem, KindOf(err))
	assert.False(t, h.coordinator.Active())

	select {
	case f := <-h.recorder.finished:
		t.Fatalf("open failure must not emit a finish event: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCoordinatorSequentialTasks(t *testing.T) {
	first := testContent(3 << 20)
	second := testContent(5 << 20)
	mux := http.NewServeMux()
	mux.Handle("/first.bin", serveContent(first, &requestLog{}))
	mux.Handle("/second.bin", serveContent(second, &requestLog{}))
	h := newHarness(t, mux, nil)
	base := h.url[:len(h.url)-len("/file.bin")]

	require.NoError(t, h.coordinator.Start(base+"/first.bin", outputPath))
	require.True(t, h.recorder.wait(t).Success())
	assertFileContent(t, h.fs, first)

	require.NoError(t, h.coordinator.Start(base+"/second.bin", outputPath))
	finished := h.recorder.wait(t)
	require.True(t, finished.Success(), finished.Message())
	assertFileContent(t, h.fs, second)
	assert.Equal(t, int64(len(second)), h.coordinator.FinishedBytes())
}
