package arcvol

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	verrors "github.com/arcget/arcget/arcvol/errors"
)

// chunkRequest records one outbound chunk request for inspection.
type chunkRequest struct {
	volumeID      string
	correlationID string
	offset        int64
	length        int64
}

// manualTransport hands chunk requests to the test, which completes
// them explicitly in whatever order the scenario needs.
type manualTransport struct {
	requests chan chunkRequest
}

func newManualTransport() *manualTransport {
	return &manualTransport{requests: make(chan chunkRequest, 64)}
}

func (t *manualTransport) RequestChunk(volumeID, correlationID string, offset, length int64) {
	t.requests <- chunkRequest{volumeID: volumeID, correlationID: correlationID, offset: offset, length: length}
}

func (t *manualTransport) next(tb testing.TB) chunkRequest {
	tb.Helper()
	select {
	case req := <-t.requests:
		return req
	case <-time.After(2 * time.Second):
		tb.Fatalf("timed out waiting for a chunk request")
		return chunkRequest{}
	}
}

func (t *manualTransport) expectNone(tb testing.TB) {
	tb.Helper()
	select {
	case req := <-t.requests:
		tb.Fatalf("unexpected chunk request: %+v", req)
	case <-time.After(50 * time.Millisecond):
	}
}

// completer is the destination for auto-served chunks, satisfied by
// both *Registry and *Volume-level adapters.
type completer interface {
	ChunkDone(volumeID, correlationID string, data []byte, offset int64)
	ChunkError(volumeID, correlationID string)
}

// autoTransport serves chunk requests from in-memory archive bytes on a
// fresh goroutine per request, so completions race each other the way
// real host responses do.
type autoTransport struct {
	archives  map[string][]byte
	completer completer
	failAll   atomic.Bool
}

func newAutoTransport() *autoTransport {
	return &autoTransport{archives: make(map[string][]byte)}
}

func (t *autoTransport) add(volumeID string, data []byte) {
	t.archives[volumeID] = data
}

func (t *autoTransport) bind(c completer) {
	t.completer = c
}

func (t *autoTransport) RequestChunk(volumeID, correlationID string, offset, length int64) {
	go func() {
		data, ok := t.archives[volumeID]
		if t.failAll.Load() || !ok || offset < 0 || offset >= int64(len(data)) {
			t.completer.ChunkError(volumeID, correlationID)
			return
		}
		end := offset + length
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		t.completer.ChunkDone(volumeID, correlationID, data[offset:end], offset)
	}()
}

// sinkEvent is one recorded boundary delivery.
type sinkEvent struct {
	kind          string
	volumeID      string
	requestID     string
	openRequestID string
	entries       []*Entry
	data          []byte
	hasMore       bool
	err           error
}

// recordSink collects boundary deliveries in arrival order.
type recordSink struct {
	events chan sinkEvent
}

func newRecordSink() *recordSink {
	return &recordSink{events: make(chan sinkEvent, 128)}
}

func (s *recordSink) MetadataReady(volumeID, requestID string, entries []*Entry) {
	s.events <- sinkEvent{kind: "metadata", volumeID: volumeID, requestID: requestID, entries: entries}
}

func (s *recordSink) OpenDone(volumeID, requestID string) {
	s.events <- sinkEvent{kind: "open", volumeID: volumeID, requestID: requestID}
}

func (s *recordSink) CloseDone(volumeID, requestID, openRequestID string) {
	s.events <- sinkEvent{kind: "close", volumeID: volumeID, requestID: requestID, openRequestID: openRequestID}
}

func (s *recordSink) ReadDone(volumeID, requestID string, data []byte, hasMoreData bool) {
	s.events <- sinkEvent{kind: "read", volumeID: volumeID, requestID: requestID, data: data, hasMore: hasMoreData}
}

func (s *recordSink) Error(volumeID, requestID string, err error) {
	s.events <- sinkEvent{kind: "error", volumeID: volumeID, requestID: requestID, err: err}
}

func (s *recordSink) next(tb testing.TB) sinkEvent {
	tb.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(2 * time.Second):
		tb.Fatalf("timed out waiting for a sink event")
		return sinkEvent{}
	}
}

func (s *recordSink) expectNone(tb testing.TB) {
	tb.Helper()
	select {
	case ev := <-s.events:
		tb.Fatalf("unexpected sink event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func assertCode(tb testing.TB, err error, code string) {
	tb.Helper()
	if err == nil {
		tb.Fatalf("expected error with code %s, got nil", code)
	}
	if got := verrors.GetErrorCode(err); got != code {
		tb.Fatalf("expected error code %s, got %s (%v)", code, got, err)
	}
}

// fakeRange maps an entry path to the raw archive range that serves as
// its decoded content. The fake codec copies raw bytes, so tests can
// predict decoded output exactly.
type fakeRange struct {
	off  int64
	size int64
}

// fakeCodec is a scripted codec for engine tests. Parsing reads
// footerLen bytes from the tail, then optionally a second probe, so
// tests can observe the engine's follow-up chunk requests during one
// logical metadata operation.
type fakeCodec struct {
	footerLen  int64
	extraProbe int64
	entries    []*Entry
	ranges     map[string]fakeRange
	parseErr   error

	// openProbe makes OpenEntry fetch one byte of the entry's range
	// before returning, so opens stay in flight under a manual
	// transport.
	openProbe bool
	// fetchStep caps bytes per decode read to force several chunk
	// requests per ReadFile.
	fetchStep int
	// failAfter makes entry readers return a bare error after that many
	// decoded bytes, simulating corrupt compressed data.
	failAfter int64

	opens atomic.Int32
}

func (c *fakeCodec) ParseIndex(r ArchiveReader) (Index, error) {
	buf := make([]byte, c.footerLen)
	if _, err := r.ReadAt(buf, r.Size()-c.footerLen); err != nil {
		return nil, err
	}
	if c.extraProbe > 0 {
		probe := make([]byte, c.extraProbe)
		if _, err := r.ReadAt(probe, 0); err != nil {
			return nil, err
		}
	}
	if c.parseErr != nil {
		return nil, c.parseErr
	}
	return &fakeIndex{codec: c}, nil
}

type fakeIndex struct {
	codec *fakeCodec
}

func (ix *fakeIndex) Entries() []*Entry {
	return ix.codec.entries
}

func (ix *fakeIndex) OpenEntry(r ArchiveReader, path string) (EntryReader, error) {
	ix.codec.opens.Add(1)
	rg, ok := ix.codec.ranges[path]
	if !ok {
		return nil, verrors.ErrPathNotFound.WithDetail("path", path)
	}
	if ix.codec.openProbe {
		probe := make([]byte, 1)
		if _, err := r.ReadAt(probe, rg.off); err != nil {
			return nil, err
		}
	}
	step := ix.codec.fetchStep
	if step == 0 {
		step = 8
	}
	return &fakeEntryReader{
		section:   io.NewSectionReader(r, rg.off, rg.size),
		step:      step,
		failAfter: ix.codec.failAfter,
	}, nil
}

type fakeEntryReader struct {
	section   *io.SectionReader
	step      int
	failAfter int64
	decoded   int64
}

func (f *fakeEntryReader) Read(p []byte) (int, error) {
	if f.failAfter > 0 && f.decoded >= f.failAfter {
		return 0, io.ErrNoProgress
	}
	if len(p) > f.step {
		p = p[:f.step]
	}
	if f.failAfter > 0 {
		if rem := f.failAfter - f.decoded; int64(len(p)) > rem {
			p = p[:rem]
		}
	}
	n, err := f.section.Read(p)
	f.decoded += int64(n)
	return n, err
}

func (f *fakeEntryReader) Close() error {
	return nil
}
