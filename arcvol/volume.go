// Package arcvol implements a read-only archive volume engine for
// environments that cannot read archive bytes themselves. Every byte of
// archive data is pulled through an asynchronous chunk protocol from a
// privileged host; parsing and decompression run on a per-volume worker
// so a slow decode never blocks dispatch of other volumes' operations.
package arcvol

import (
	"errors"
	"sync"

	verrors "github.com/arcget/arcget/arcvol/errors"
	"github.com/arcget/arcget/arcvol/logger"
)

// VolumeState tracks metadata loading for one volume.
type VolumeState int

const (
	// Uninitialized means ReadMetadata has not been called yet.
	Uninitialized VolumeState = iota
	// MetadataLoading means the archive index is being parsed.
	MetadataLoading
	// MetadataReady means the volume serves opens and reads.
	MetadataReady
	// MetadataFailed is terminal; the volume must be destroyed.
	MetadataFailed
)

func (s VolumeState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case MetadataLoading:
		return "metadata-loading"
	case MetadataReady:
		return "metadata-ready"
	case MetadataFailed:
		return "metadata-failed"
	default:
		return "unknown"
	}
}

// defaultMaxReadReply caps decoded bytes per ReadFile reply. Longer
// reads report hasMoreData so the caller follows up instead of the
// engine buffering unbounded decoded output.
const defaultMaxReadReply int64 = 512 << 10

// readRequest carries the fields of one ReadFile operation through the
// worker as a single value.
type readRequest struct {
	requestID     string
	openRequestID string
	offset        int64
	length        int64
}

// Volume is the engine for one mounted archive. It owns the archive's
// metadata state, the set of open streams, and the table of in-flight
// chunk requests. Inbound operations validate and enqueue on the
// dispatch path without ever blocking on a chunk response; codec work
// runs serialized on the volume's worker goroutine.
type Volume struct {
	id           string
	transport    ChunkTransport
	sink         ResponseSink
	codec        Codec
	maxReadReply int64

	mu           sync.Mutex
	state        VolumeState
	declaredSize int64
	index        Index
	entries      map[string]*Entry
	streams      map[string]*ReadStream
	destroyed    bool

	pending *pendingTable
	tasks   *taskQueue
}

func newVolume(id string, transport ChunkTransport, sink ResponseSink, codec Codec, maxReadReply int64) *Volume {
	v := &Volume{
		id:           id,
		transport:    transport,
		sink:         sink,
		codec:        codec,
		maxReadReply: maxReadReply,
		streams:      make(map[string]*ReadStream),
		pending:      newPendingTable(),
		tasks:        newTaskQueue(),
	}
	go v.workerLoop()
	return v
}

func (v *Volume) workerLoop() {
	for {
		fn, ok := v.tasks.pop()
		if !ok {
			return
		}
		fn()
	}
}

// ID returns the archive identifier this volume serves.
func (v *Volume) ID() string {
	return v.id
}

// State returns the volume's metadata state.
func (v *Volume) State() VolumeState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// OpenStreams returns the number of currently open streams.
func (v *Volume) OpenStreams() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.streams)
}

// PendingRequests returns diagnostic records for in-flight chunk
// requests. There is no timeout on chunk requests, so this is the only
// way to observe a host that stopped answering.
func (v *Volume) PendingRequests() []PendingInfo {
	return v.pending.snapshot()
}

// ReadMetadata loads the archive's metadata index. It may run at most
// once per volume; declaredSize is the host's byte size for the backing
// archive and is fixed for the volume's lifetime. The outcome arrives
// through the sink as MetadataReady or Error.
func (v *Volume) ReadMetadata(requestID string, declaredSize int64) {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrUnknownVolume.WithDetail("volumeId", v.id))
		return
	}
	if v.state != Uninitialized {
		state := v.state
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrInconsistentState.
			WithMessage("metadata already read").
			WithDetail("state", state.String()))
		return
	}
	if declaredSize <= 0 {
		v.state = MetadataFailed
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrCorruptData.
			WithMessage("declared archive size too small").
			WithDetail("archiveSize", declaredSize))
		return
	}
	v.state = MetadataLoading
	v.declaredSize = declaredSize
	v.mu.Unlock()

	v.tasks.push(func() {
		idx, err := v.codec.ParseIndex(&chunkFetcher{vol: v, size: declaredSize})
		v.finishMetadata(requestID, idx, err)
	})
}

func (v *Volume) finishMetadata(requestID string, idx Index, err error) {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return
	}
	if err != nil {
		v.state = MetadataFailed
		v.mu.Unlock()
		logger.Error("volume %s: metadata load failed: %v", v.id, err)
		v.sink.Error(v.id, requestID, v.opError(err))
		return
	}

	entries := idx.Entries()
	v.index = idx
	v.entries = make(map[string]*Entry, len(entries))
	for _, e := range entries {
		v.entries[e.Path] = e
	}
	v.state = MetadataReady
	v.mu.Unlock()

	logger.Info("volume %s: metadata ready, %d entries", v.id, len(entries))
	v.sink.MetadataReady(v.id, requestID, entries)
}

// OpenFile resolves path against the metadata index and prepares a
// stream for reading it, keyed by requestID. archiveSize must match the
// size declared at metadata time; a mismatch means the caller holds a
// stale view of the archive.
func (v *Volume) OpenFile(requestID, path string, archiveSize int64) {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrUnknownVolume.WithDetail("volumeId", v.id))
		return
	}
	if v.state != MetadataReady {
		state := v.state
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrInconsistentState.
			WithMessage("metadata not ready").
			WithDetail("state", state.String()))
		return
	}
	if archiveSize != v.declaredSize {
		declared := v.declaredSize
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrInconsistentState.
			WithMessage("archive size mismatch").
			WithDetail("declaredSize", declared).
			WithDetail("archiveSize", archiveSize))
		return
	}
	entry, ok := v.entries[path]
	if !ok {
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrPathNotFound.WithDetail("path", path))
		return
	}
	if entry.Dir {
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrPathNotFound.
			WithMessage("path is a directory").
			WithDetail("path", path))
		return
	}
	if _, exists := v.streams[requestID]; exists {
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrInconsistentState.
			WithMessage("open request id already in use").
			WithDetail("openRequestId", requestID))
		return
	}

	s := &ReadStream{id: requestID, entry: entry, state: StreamOpening}
	v.streams[requestID] = s
	idx := v.index
	declared := v.declaredSize
	v.mu.Unlock()

	v.tasks.push(func() {
		r, err := idx.OpenEntry(&chunkFetcher{vol: v, streamID: requestID, size: declared}, path)
		v.finishOpen(requestID, r, err)
	})
}

func (v *Volume) finishOpen(requestID string, r EntryReader, err error) {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		if r != nil {
			r.Close()
		}
		return
	}
	s, ok := v.streams[requestID]
	if !ok || s.state != StreamOpening {
		// Closed while the open was in flight.
		v.mu.Unlock()
		if r != nil {
			r.Close()
		}
		v.sink.Error(v.id, requestID, verrors.ErrInvalidHandle.
			WithMessage("stream closed while opening").
			WithDetail("openRequestId", requestID))
		return
	}
	if err != nil {
		delete(v.streams, requestID)
		v.mu.Unlock()
		if errors.Is(err, errCanceled) {
			v.sink.Error(v.id, requestID, verrors.ErrInvalidHandle.
				WithMessage("stream closed while opening").
				WithDetail("openRequestId", requestID))
			return
		}
		v.sink.Error(v.id, requestID, v.opError(err))
		return
	}

	s.state = StreamOpen
	s.reader = r
	s.cursor = 0
	v.mu.Unlock()
	v.sink.OpenDone(v.id, requestID)
}

// ReadFile serves [offset, offset+length) of the decoded content of the
// stream named by openRequestID. A reply may carry fewer bytes than
// requested together with hasMoreData; the caller issues a follow-up
// read for the remainder. Replies to one stream's reads are delivered
// in the order the reads were issued.
func (v *Volume) ReadFile(requestID, openRequestID string, offset, length int64) {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrUnknownVolume.WithDetail("volumeId", v.id))
		return
	}
	s, ok := v.streams[openRequestID]
	if !ok {
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrInvalidHandle.WithDetail("openRequestId", openRequestID))
		return
	}
	if length <= 0 {
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrInconsistentState.
			WithMessage("read length must be positive").
			WithDetail("length", length))
		return
	}
	if offset < 0 {
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrInconsistentState.
			WithMessage("read offset must be non-negative").
			WithDetail("offset", offset))
		return
	}
	switch s.state {
	case StreamOpen:
	case StreamFailed:
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrCorruptData.
			WithMessage("stream already failed").
			WithDetail("openRequestId", openRequestID))
		return
	default:
		state := s.state
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrInvalidHandle.
			WithMessage("stream not open").
			WithDetail("state", state.String()))
		return
	}
	idx := v.index
	declared := v.declaredSize
	v.mu.Unlock()

	req := readRequest{requestID: requestID, openRequestID: openRequestID, offset: offset, length: length}
	v.tasks.push(func() {
		v.serveRead(idx, declared, req)
	})
}

func (v *Volume) serveRead(idx Index, declaredSize int64, req readRequest) {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return
	}
	s, ok := v.streams[req.openRequestID]
	if !ok || s.state != StreamOpen {
		v.mu.Unlock()
		v.sink.Error(v.id, req.requestID, verrors.ErrInvalidHandle.
			WithMessage("stream closed before read").
			WithDetail("openRequestId", req.openRequestID))
		return
	}
	v.mu.Unlock()

	total := s.entry.Size
	if req.offset >= total {
		v.sink.ReadDone(v.id, req.requestID, []byte{}, false)
		return
	}
	n := req.length
	if rem := total - req.offset; n > rem {
		n = rem
	}
	if n > v.maxReadReply {
		n = v.maxReadReply
	}

	buf := make([]byte, n)
	ar := &chunkFetcher{vol: v, streamID: req.openRequestID, size: declaredSize}
	if err := s.readAt(idx, ar, req.offset, buf); err != nil {
		v.failRead(s, req, err)
		return
	}

	// The stream may have been closed while the decode was running on
	// buffered data; a closed handle must not receive a read reply.
	v.mu.Lock()
	destroyed := v.destroyed
	closed := v.streams[req.openRequestID] == nil
	v.mu.Unlock()
	if destroyed {
		return
	}
	if closed {
		v.sink.Error(v.id, req.requestID, verrors.ErrInvalidHandle.
			WithMessage("stream closed during read").
			WithDetail("openRequestId", req.openRequestID))
		return
	}

	v.sink.ReadDone(v.id, req.requestID, buf, req.offset+n < total)
}

func (v *Volume) failRead(s *ReadStream, req readRequest, err error) {
	if errors.Is(err, errCanceled) {
		// The stream or volume was torn down mid-read. Teardown of the
		// whole volume needs no reply; a closed stream reports the
		// interrupted read once.
		v.mu.Lock()
		destroyed := v.destroyed
		v.mu.Unlock()
		if destroyed {
			return
		}
		v.sink.Error(v.id, req.requestID, verrors.ErrInvalidHandle.
			WithMessage("stream closed during read").
			WithDetail("openRequestId", req.openRequestID))
		return
	}
	if errors.Is(err, verrors.ErrChunkUnavailable) {
		// Host-side failure is terminal only for this read. The decoder
		// may be mid-stream, so restart cleanly on the next read.
		s.resetDecode()
		v.sink.Error(v.id, req.requestID, v.opError(err))
		return
	}

	// Corrupt data is terminal for the stream.
	v.mu.Lock()
	s.state = StreamFailed
	v.mu.Unlock()
	s.resetDecode()
	logger.Error("volume %s: stream %s failed: %v", v.id, s.id, err)
	v.sink.Error(v.id, req.requestID, verrors.ErrCorruptData.
		WithCause(err).
		WithDetail("path", s.entry.Path))
}

// CloseFile releases the stream named by openRequestID: its in-flight
// chunk requests are canceled, responses that later arrive for them are
// dropped, and its decoder state is released on the worker. Closing an
// unknown or already closed handle is a caller bug and fails with
// InvalidHandle.
func (v *Volume) CloseFile(requestID, openRequestID string) {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrUnknownVolume.WithDetail("volumeId", v.id))
		return
	}
	s, ok := v.streams[openRequestID]
	if !ok {
		v.mu.Unlock()
		v.sink.Error(v.id, requestID, verrors.ErrInvalidHandle.WithDetail("openRequestId", openRequestID))
		return
	}
	delete(v.streams, openRequestID)
	s.state = StreamClosed
	v.mu.Unlock()

	v.pending.cancelStream(openRequestID)
	// Release decoder state on the worker so an in-flight decode for
	// this stream is never raced. The queue reports closed only after
	// the worker has finished all decode work, so the direct call
	// cannot race the worker either.
	if !v.tasks.push(s.resetDecode) {
		s.resetDecode()
	}
	v.sink.CloseDone(v.id, requestID, openRequestID)
}

// ChunkDone resumes the continuation waiting on correlationID with the
// host's bytes. Unknown ids are dropped silently: the owning stream or
// volume was torn down while the response was in flight, which is the
// normal read-ahead race, not an error.
func (v *Volume) ChunkDone(correlationID string, data []byte, offset int64) {
	if !v.pending.complete(correlationID, data, offset) {
		logger.Debug("volume %s: dropping chunk response %s for released request", v.id, correlationID)
	}
}

// ChunkError resumes the continuation waiting on correlationID as a
// host-side failure. Unknown ids are dropped silently.
func (v *Volume) ChunkError(correlationID string) {
	if !v.pending.fail(correlationID) {
		logger.Debug("volume %s: dropping chunk error %s for released request", v.id, correlationID)
	}
}

// destroy tears the volume down: every stream and every pending chunk
// request is released, queued work drains, and the worker exits.
func (v *Volume) destroy() {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return
	}
	v.destroyed = true
	streams := make([]*ReadStream, 0, len(v.streams))
	for id, s := range v.streams {
		delete(v.streams, id)
		s.state = StreamClosed
		streams = append(streams, s)
	}
	v.mu.Unlock()

	v.pending.cancelAll()
	// The worker closes its own queue after the teardown task, so the
	// queue reports closed only once every decode task queued before
	// teardown has finished. Cancellation above unblocks any decode
	// waiting on a chunk.
	v.tasks.push(func() {
		for _, s := range streams {
			s.resetDecode()
		}
		v.tasks.close()
	})
}

// opError maps a codec or fetch failure to its boundary error: coded
// errors pass through, anything else is corrupt archive data.
func (v *Volume) opError(err error) error {
	var ve *verrors.VolumeError
	if errors.As(err, &ve) {
		return ve
	}
	return verrors.ErrCorruptData.WithCause(err)
}
