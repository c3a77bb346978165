package arcvol

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

// errCanceled resolves a pending chunk request whose owning stream or
// volume was torn down before the host answered. It never reaches the
// boundary directly; operations translate it per their own contract.
var errCanceled = errors.New("chunk request canceled")

// errChunkFailed resolves a pending chunk request for which the host
// reported an I/O error.
var errChunkFailed = errors.New("host reported chunk error")

// chunkResult is what a suspended operation receives when its chunk
// request completes.
type chunkResult struct {
	data   []byte
	offset int64
	err    error
}

// pendingRequest is the explicit continuation record for one in-flight
// chunk request: which stream it serves, what range was asked for, and
// the channel the suspended worker is blocked on.
type pendingRequest struct {
	correlationID string
	streamID      string // empty for metadata loading
	offset        int64
	length        int64
	createdAt     time.Time

	// result carries exactly one chunkResult. It is buffered so the
	// dispatch path never blocks when resolving a request.
	result chan chunkResult
}

// PendingInfo is a diagnostic snapshot of one in-flight chunk request.
// There is no timeout on chunk requests, so a host that never answers
// leaves entries parked here until the stream or volume is torn down;
// the creation time makes such requests observable.
type PendingInfo struct {
	CorrelationID string
	StreamID      string
	Offset        int64
	Length        int64
	CreatedAt     time.Time
}

// pendingTable maps correlation ids to continuation records. Each entry
// is resolved exactly once: by a matching response, a matching error, or
// cancellation. Responses for ids no longer present are dropped by the
// caller.
type pendingTable struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
	nextID   uint64
}

func newPendingTable() *pendingTable {
	return &pendingTable{requests: make(map[string]*pendingRequest)}
}

// add registers a new chunk request owned by streamID (empty for
// metadata work) and returns its continuation record with a fresh
// correlation id.
func (t *pendingTable) add(streamID string, offset, length int64) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	req := &pendingRequest{
		correlationID: "c" + strconv.FormatUint(t.nextID, 10),
		streamID:      streamID,
		offset:        offset,
		length:        length,
		createdAt:     time.Now(),
		result:        make(chan chunkResult, 1),
	}
	t.requests[req.correlationID] = req
	return req
}

// complete resolves the request with the host's bytes. It reports false
// when the correlation id is unknown, which happens when the owning
// stream or volume was torn down first.
func (t *pendingTable) complete(correlationID string, data []byte, offset int64) bool {
	req, ok := t.remove(correlationID)
	if !ok {
		return false
	}
	req.result <- chunkResult{data: data, offset: offset}
	return true
}

// fail resolves the request with a host-side chunk error.
func (t *pendingTable) fail(correlationID string) bool {
	req, ok := t.remove(correlationID)
	if !ok {
		return false
	}
	req.result <- chunkResult{err: errChunkFailed}
	return true
}

// cancelStream resolves every request owned by streamID with errCanceled.
func (t *pendingTable) cancelStream(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, req := range t.requests {
		if req.streamID != streamID {
			continue
		}
		delete(t.requests, id)
		req.result <- chunkResult{err: errCanceled}
	}
}

// cancelAll resolves every request with errCanceled.
func (t *pendingTable) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, req := range t.requests {
		delete(t.requests, id)
		req.result <- chunkResult{err: errCanceled}
	}
}

// snapshot returns diagnostic records for all in-flight requests.
func (t *pendingTable) snapshot() []PendingInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	infos := make([]PendingInfo, 0, len(t.requests))
	for _, req := range t.requests {
		infos = append(infos, PendingInfo{
			CorrelationID: req.correlationID,
			StreamID:      req.streamID,
			Offset:        req.offset,
			Length:        req.length,
			CreatedAt:     req.createdAt,
		})
	}
	return infos
}

func (t *pendingTable) remove(correlationID string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.requests[correlationID]
	if ok {
		delete(t.requests, correlationID)
	}
	return req, ok
}
