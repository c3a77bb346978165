// Package hostfile is a host-side collaborator for the volume engine:
// it serves chunk requests from local files. Each request is read on
// its own goroutine and completed asynchronously, so responses can
// arrive out of order just like a real host boundary.
package hostfile

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/arcget/arcget/arcvol/logger"
	"github.com/opencontainers/go-digest"
)

// Completer is where chunk results are delivered, typically the volume
// registry's routing methods.
type Completer interface {
	ChunkDone(volumeID, correlationID string, data []byte, offset int64)
	ChunkError(volumeID, correlationID string)
}

type mounted struct {
	file *os.File
	size int64
}

// Host maps volume ids to open local files and implements the engine's
// ChunkTransport against them. Volume ids are content digests of the
// backing file, so the same archive mounts under the same id.
type Host struct {
	mu        sync.Mutex
	completer Completer
	files     map[string]*mounted
}

// New returns a Host with no mounted files. Bind must be called before
// any chunk request is served.
func New() *Host {
	return &Host{files: make(map[string]*mounted)}
}

// Bind sets the destination for chunk completions. The registry needs
// the host as its transport and the host needs the registry for
// completions, so binding happens after both exist.
func (h *Host) Bind(c Completer) {
	h.mu.Lock()
	h.completer = c
	h.mu.Unlock()
}

// Mount opens the file at path and registers it under its content
// digest. Mounting a file whose content is already mounted returns the
// existing id.
func (h *Host) Mount(path string) (id string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return "", 0, fmt.Errorf("stat archive: %w", err)
	}
	dgst, err := digest.FromReader(f)
	if err != nil {
		f.Close()
		return "", 0, fmt.Errorf("digest archive: %w", err)
	}
	id = dgst.String()

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.files[id]; ok {
		f.Close()
		return id, existing.size, nil
	}
	h.files[id] = &mounted{file: f, size: info.Size()}
	logger.Info("mounted %s as %s (%d bytes)", path, id, info.Size())
	return id, info.Size(), nil
}

// Unmount closes and forgets the file mounted under id.
func (h *Host) Unmount(id string) error {
	h.mu.Lock()
	m, ok := h.files[id]
	if ok {
		delete(h.files, id)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("not mounted: %s", id)
	}
	return m.file.Close()
}

// RequestChunk implements the engine's ChunkTransport. The read happens
// on a fresh goroutine and completes through the bound Completer.
func (h *Host) RequestChunk(volumeID, correlationID string, offset, length int64) {
	go h.serve(volumeID, correlationID, offset, length)
}

func (h *Host) serve(volumeID, correlationID string, offset, length int64) {
	h.mu.Lock()
	completer := h.completer
	m, ok := h.files[volumeID]
	h.mu.Unlock()

	if completer == nil {
		logger.Warn("chunk request %s for %s before host was bound", correlationID, volumeID)
		return
	}
	if !ok || offset < 0 || length <= 0 || offset >= m.size {
		completer.ChunkError(volumeID, correlationID)
		return
	}
	if max := m.size - offset; length > max {
		length = max
	}

	buf := make([]byte, length)
	n, err := m.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		logger.Warn("chunk read %s failed for %s: %v", correlationID, volumeID, err)
		completer.ChunkError(volumeID, correlationID)
		return
	}
	completer.ChunkDone(volumeID, correlationID, buf[:n], offset)
}
