// Package multiplexer issues probe and ranged fetch requests against a single
// resource and reports their progress as events tagged with correlation ids.
//
// Every operation runs on its own goroutine. Events from all operations share
// one channel; the consumer hands each event back to Dispatch, which drops
// events for ids that were cancelled and retires an id once its finished
// event has been delivered.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tanq16/rangefetch/internal/utils"
)

// ErrUnexpectedStatus is wrapped by failures caused by the response status.
var ErrUnexpectedStatus = errors.New("unexpected status code")

// ID correlates events with the operation that produced them.
type ID uint64

type Kind int

const (
	KindProbe Kind = iota
	KindFetch
)

func (k Kind) String() string {
	if k == KindProbe {
		return "probe"
	}
	return "fetch"
}

type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "cancelled"
	}
}

// Result is the terminal status of an operation. Err is set only when
// Outcome is Failed.
type Result struct {
	Outcome Outcome
	Err     error
}

func (r Result) Success() bool { return r.Outcome == Succeeded }

type ProbeInfo struct {
	Size          int64
	AcceptsRanges bool
}

type EventType int

const (
	EventProbe EventType = iota
	EventData
	EventFinished
)

type Event struct {
	ID     ID
	Type   EventType
	Probe  ProbeInfo
	Data   []byte
	Result Result
}

// Handler receives dispatched events.
type Handler interface {
	// OnProbe reports the probe result. err is nil on success.
	OnProbe(id ID, info ProbeInfo, err error)
	// OnData carries bytes streamed by a fetch, in order.
	OnData(id ID, data []byte)
	// OnFinished is the last event for id. It is never called for a
	// cancelled operation.
	OnFinished(id ID, result Result)
}

type Options struct {
	BufferSize int
	Logger     zerolog.Logger
}

type operation struct {
	kind   Kind
	ctx    context.Context
	cancel context.CancelFunc
}

type Multiplexer struct {
	client utils.HTTPDoer
	opts   Options
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	nextID ID
	live   map[ID]*operation

	events chan Event
	wg     sync.WaitGroup
}

func New(client utils.HTTPDoer, opts Options) *Multiplexer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = utils.DefaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		client: client,
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		live:   make(map[ID]*operation),
		events: make(chan Event, 16),
	}
}

// Events returns the channel all operations report on. Each received event
// must be passed to Dispatch.
func (m *Multiplexer) Events() <-chan Event {
	return m.events
}

// Probe issues a HEAD request for url.
func (m *Multiplexer) Probe(url string) ID {
	id, op := m.register(KindProbe)
	m.wg.Add(1)
	go m.runProbe(id, op, url)
	return id
}

// Fetch issues a GET for url. A Range header for [begin, end] is attached
// when end > 0; otherwise the whole resource is requested.
func (m *Multiplexer) Fetch(url string, begin, end int64) ID {
	id, op := m.register(KindFetch)
	m.wg.Add(1)
	go m.runFetch(id, op, url, begin, end)
	return id
}

// Cancel aborts the operation and suppresses its remaining events. It is a
// no-op for ids that are not live.
func (m *Multiplexer) Cancel(id ID) {
	m.mu.Lock()
	op, ok := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()
	if ok {
		op.cancel()
		m.log.Debug().Uint64("id", uint64(id)).Str("kind", op.kind.String()).Msg("Operation cancelled")
	}
}

func (m *Multiplexer) CancelAll() {
	m.mu.Lock()
	ops := m.live
	m.live = make(map[ID]*operation)
	m.mu.Unlock()
	for _, op := range ops {
		op.cancel()
	}
	if len(ops) > 0 {
		m.log.Debug().Int("count", len(ops)).Msg("All operations cancelled")
	}
}

// Live returns the number of operations whose finished event has not been
// delivered yet.
func (m *Multiplexer) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// IsLive reports whether id is still awaiting its finished event.
func (m *Multiplexer) IsLive(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[id]
	return ok
}

// Dispatch delivers ev to h unless its operation was cancelled. It reports
// whether the event was delivered.
func (m *Multiplexer) Dispatch(ev Event, h Handler) bool {
	m.mu.Lock()
	_, ok := m.live[ev.ID]
	if ok && ev.Type == EventFinished {
		delete(m.live, ev.ID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	switch ev.Type {
	case EventProbe:
		h.OnProbe(ev.ID, ev.Probe, ev.Result.Err)
	case EventData:
		h.OnData(ev.ID, ev.Data)
	case EventFinished:
		if ev.Result.Outcome == Cancelled {
			return false
		}
		h.OnFinished(ev.ID, ev.Result)
	}
	return true
}

// Close cancels every operation and waits for their goroutines to exit.
func (m *Multiplexer) Close() {
	m.CancelAll()
	m.cancel()
	m.wg.Wait()
}

func (m *Multiplexer) register(kind Kind) (ID, *operation) {
	ctx, cancel := context.WithCancel(m.ctx)
	op := &operation{kind: kind, ctx: ctx, cancel: cancel}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.live[id] = op
	m.mu.Unlock()
	return id, op
}

// emit hands ev to the consumer unless the operation is cancelled first.
func (m *Multiplexer) emit(op *operation, ev Event) bool {
	if op.ctx.Err() != nil {
		return false
	}
	select {
	case m.events <- ev:
		return true
	case <-op.ctx.Done():
		return false
	}
}

func (m *Multiplexer) finish(id ID, op *operation, err error) {
	result := Result{Outcome: Succeeded}
	if err != nil {
		result = m.failure(op, err)
	}
	m.emit(op, Event{ID: id, Type: EventFinished, Result: result})
}

func (m *Multiplexer) failure(op *operation, err error) Result {
	// Only the operation's own context decides cancellation; a transport
	// error that merely wraps context.Canceled is an ordinary failure.
	if op.ctx.Err() != nil {
		return Result{Outcome: Cancelled}
	}
	return Result{Outcome: Failed, Err: err}
}

func (m *Multiplexer) runProbe(id ID, op *operation, url string) {
	defer m.wg.Done()
	defer op.cancel()

	info, err := m.probe(op.ctx, url)
	if err != nil {
		result := m.failure(op, err)
		if result.Outcome == Cancelled {
			return
		}
		m.log.Debug().Uint64("id", uint64(id)).Err(err).Msg("Probe failed")
		if m.emit(op, Event{ID: id, Type: EventProbe, Result: result}) {
			m.emit(op, Event{ID: id, Type: EventFinished, Result: result})
		}
		return
	}
	m.log.Debug().Uint64("id", uint64(id)).Int64("size", info.Size).Bool("acceptsRanges", info.AcceptsRanges).Msg("Probe completed")
	if m.emit(op, Event{ID: id, Type: EventProbe, Probe: info}) {
		m.finish(id, op, nil)
	}
}

func (m *Multiplexer) probe(ctx context.Context, url string) (ProbeInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return ProbeInfo{}, fmt.Errorf("error creating HEAD request: %w", err)
	}
	resp, err := m.client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return ProbeInfo{}, fmt.Errorf("error executing HEAD request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProbeInfo{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return ProbeInfo{
		Size:          max(resp.ContentLength, 0),
		AcceptsRanges: strings.Contains(resp.Header.Get("Accept-Ranges"), "bytes"),
	}, nil
}

func (m *Multiplexer) runFetch(id ID, op *operation, url string, begin, end int64) {
	defer m.wg.Done()
	defer op.cancel()
	log := m.log.With().Uint64("id", uint64(id)).Logger()

	req, err := http.NewRequestWithContext(op.ctx, http.MethodGet, url, nil)
	if err != nil {
		m.finish(id, op, fmt.Errorf("error creating GET request: %w", err))
		return
	}
	ranged := end > 0
	if ranged {
		rangeHeader := fmt.Sprintf("bytes=%d-%d", begin, end)
		req.Header.Set("Range", rangeHeader)
		log.Debug().Str("range", rangeHeader).Msg("Sending range request")
	}
	req.Header.Set("Connection", "keep-alive")

	resp, err := m.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		m.finish(id, op, fmt.Errorf("error executing GET request: %w", err))
		return
	}
	defer resp.Body.Close()
	if err := checkFetchStatus(resp, ranged); err != nil {
		m.finish(id, op, err)
		return
	}

	buffer := make([]byte, m.opts.BufferSize)
	for {
		bytesRead, readErr := resp.Body.Read(buffer)
		if bytesRead > 0 {
			data := make([]byte, bytesRead)
			copy(data, buffer[:bytesRead])
			if !m.emit(op, Event{ID: id, Type: EventData, Data: data}) {
				return
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			m.finish(id, op, fmt.Errorf("error reading response body: %w", readErr))
			return
		}
	}
	m.finish(id, op, nil)
}

func checkFetchStatus(resp *http.Response, ranged bool) error {
	if !ranged {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		}
		return nil
	}
	// some servers answer 200 but still honour the range
	if resp.StatusCode == http.StatusPartialContent {
		return nil
	}
	if resp.StatusCode == http.StatusOK && resp.Header.Get("Content-Range") != "" {
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
}
