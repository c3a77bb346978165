package arcvol

import (
	"sync"

	verrors "github.com/arcget/arcget/arcvol/errors"
	"github.com/arcget/arcget/arcvol/logger"
)

// Registry owns the mapping from archive identifier to Volume. Each
// identifier is present at most once; destroying an entry is the sole
// release point for its volume, so no dangling volume reference can be
// used after an unmount.
type Registry struct {
	transport    ChunkTransport
	sink         ResponseSink
	codec        Codec
	maxReadReply int64

	mu      sync.Mutex
	volumes map[string]*Volume
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxReadReply caps decoded bytes per ReadFile reply. Longer reads
// report hasMoreData so the caller issues follow-up reads. Values <= 0
// keep the default.
func WithMaxReadReply(n int64) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxReadReply = n
		}
	}
}

// NewRegistry creates an empty registry. All volumes it creates share
// the transport, the codec, and a serialized view of the sink, so only
// one boundary delivery is ever in flight at a time.
func NewRegistry(transport ChunkTransport, sink ResponseSink, codec Codec, opts ...RegistryOption) *Registry {
	r := &Registry{
		transport:    transport,
		sink:         NewSerializedSink(sink),
		codec:        codec,
		maxReadReply: defaultMaxReadReply,
		volumes:      make(map[string]*Volume),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateVolume registers a new, uninitialized volume for id.
func (r *Registry) CreateVolume(id string) (*Volume, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.volumes[id]; ok {
		return nil, verrors.ErrDuplicateVolume.WithDetail("volumeId", id)
	}
	v := newVolume(id, r.transport, r.sink, r.codec, r.maxReadReply)
	r.volumes[id] = v
	return v, nil
}

// Get returns the volume registered for id.
func (r *Registry) Get(id string) (*Volume, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.volumes[id]
	if !ok {
		return nil, verrors.ErrUnknownVolume.WithDetail("volumeId", id)
	}
	return v, nil
}

// Destroy removes the volume for id and releases all of its streams and
// pending chunk requests. Chunk responses still in flight for it are
// dropped when they arrive.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	v, ok := r.volumes[id]
	if ok {
		delete(r.volumes, id)
	}
	r.mu.Unlock()
	if !ok {
		return verrors.ErrUnknownVolume.WithDetail("volumeId", id)
	}
	v.destroy()
	logger.Info("volume %s: destroyed", id)
	return nil
}

// ChunkDone routes a host chunk response to its volume. Responses for
// volumes no longer registered are dropped silently; that is the normal
// race for read-ahead chunks arriving after an unmount.
func (r *Registry) ChunkDone(volumeID, correlationID string, data []byte, offset int64) {
	r.mu.Lock()
	v, ok := r.volumes[volumeID]
	r.mu.Unlock()
	if !ok {
		logger.Debug("dropping chunk response %s for unmounted volume %s", correlationID, volumeID)
		return
	}
	v.ChunkDone(correlationID, data, offset)
}

// ChunkError routes a host chunk failure to its volume. Failures for
// volumes no longer registered are dropped silently.
func (r *Registry) ChunkError(volumeID, correlationID string) {
	r.mu.Lock()
	v, ok := r.volumes[volumeID]
	r.mu.Unlock()
	if !ok {
		logger.Debug("dropping chunk error %s for unmounted volume %s", correlationID, volumeID)
		return
	}
	v.ChunkError(correlationID)
}
