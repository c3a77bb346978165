package arcvol

import "sync"

// ChunkTransport sends chunk requests toward the host that owns the
// actual archive bytes. Requests are fire-and-forget: the host answers
// later, in any order, through ChunkDone or ChunkError on the registry.
type ChunkTransport interface {
	RequestChunk(volumeID, correlationID string, offset, length int64)
}

// ResponseSink receives operation results and errors on their way back
// to the requester. Implementations adapt these calls to whatever wire
// format the outer boundary speaks.
type ResponseSink interface {
	MetadataReady(volumeID, requestID string, entries []*Entry)
	OpenDone(volumeID, requestID string)
	CloseDone(volumeID, requestID, openRequestID string)
	ReadDone(volumeID, requestID string, data []byte, hasMoreData bool)
	Error(volumeID, requestID string, err error)
}

// serializedSink wraps a ResponseSink so that only one boundary delivery
// is in flight at a time. The outer boundary is not safe for concurrent
// delivery, and volume workers complete operations concurrently.
type serializedSink struct {
	mu    sync.Mutex
	inner ResponseSink
}

// NewSerializedSink returns a ResponseSink that serializes all calls to
// inner under a single mutex.
func NewSerializedSink(inner ResponseSink) ResponseSink {
	return &serializedSink{inner: inner}
}

func (s *serializedSink) MetadataReady(volumeID, requestID string, entries []*Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner.MetadataReady(volumeID, requestID, entries)
}

func (s *serializedSink) OpenDone(volumeID, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner.OpenDone(volumeID, requestID)
}

func (s *serializedSink) CloseDone(volumeID, requestID, openRequestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner.CloseDone(volumeID, requestID, openRequestID)
}

func (s *serializedSink) ReadDone(volumeID, requestID string, data []byte, hasMoreData bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner.ReadDone(volumeID, requestID, data, hasMoreData)
}

func (s *serializedSink) Error(volumeID, requestID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner.Error(volumeID, requestID, err)
}
