package hostfile

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type completion struct {
	volumeID      string
	correlationID string
	data          []byte
	offset        int64
	failed        bool
}

type captureCompleter struct {
	results chan completion
}

func newCaptureCompleter() *captureCompleter {
	return &captureCompleter{results: make(chan completion, 16)}
}

func (c *captureCompleter) ChunkDone(volumeID, correlationID string, data []byte, offset int64) {
	c.results <- completion{volumeID: volumeID, correlationID: correlationID, data: data, offset: offset}
}

func (c *captureCompleter) ChunkError(volumeID, correlationID string) {
	c.results <- completion{volumeID: volumeID, correlationID: correlationID, failed: true}
}

func (c *captureCompleter) next(t *testing.T) completion {
	t.Helper()
	select {
	case res := <-c.results:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a chunk completion")
		return completion{}
	}
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture failed: %v", err)
	}
	return path
}

func TestMountDigestID(t *testing.T) {
	h := New()
	path := writeTemp(t, "a.zip", "same content")

	id, size, err := h.Mount(path)
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	defer h.Unmount(id)
	if !strings.HasPrefix(id, "sha256:") {
		t.Errorf("expected digest id, got %s", id)
	}
	if size != int64(len("same content")) {
		t.Errorf("expected size %d, got %d", len("same content"), size)
	}

	// Same bytes under a different path mount to the same id.
	other := writeTemp(t, "b.zip", "same content")
	id2, size2, err := h.Mount(other)
	if err != nil {
		t.Fatalf("second Mount failed: %v", err)
	}
	if id2 != id || size2 != size {
		t.Errorf("expected identical mount for identical content, got %s/%d", id2, size2)
	}
}

func TestMountMissingFile(t *testing.T) {
	h := New()
	if _, _, err := h.Mount(filepath.Join(t.TempDir(), "absent.zip")); err == nil {
		t.Fatalf("expected error mounting a missing file")
	}
}

func TestUnmount(t *testing.T) {
	h := New()
	id, _, err := h.Mount(writeTemp(t, "a.zip", "content"))
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if err := h.Unmount(id); err != nil {
		t.Fatalf("Unmount failed: %v", err)
	}
	if err := h.Unmount(id); err == nil {
		t.Fatalf("expected error unmounting twice")
	}
}

func TestRequestChunk(t *testing.T) {
	content := "0123456789abcdef"
	h := New()
	c := newCaptureCompleter()
	h.Bind(c)
	id, _, err := h.Mount(writeTemp(t, "a.zip", content))
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	defer h.Unmount(id)

	h.RequestChunk(id, "c1", 4, 6)
	res := c.next(t)
	if res.failed || res.correlationID != "c1" {
		t.Fatalf("unexpected completion: %+v", res)
	}
	if res.offset != 4 || !bytes.Equal(res.data, []byte("456789")) {
		t.Errorf("unexpected chunk: offset=%d data=%q", res.offset, res.data)
	}

	// Requests past the file end clamp to the remaining bytes.
	h.RequestChunk(id, "c2", 10, 100)
	res = c.next(t)
	if res.failed || !bytes.Equal(res.data, []byte("abcdef")) {
		t.Fatalf("expected clamped tail chunk, got %+v", res)
	}

	tests := []struct {
		name   string
		volume string
		offset int64
		length int64
	}{
		{"unknown volume", "sha256:0000", 0, 4},
		{"negative offset", id, -1, 4},
		{"zero length", id, 0, 0},
		{"offset past end", id, int64(len(content)), 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.RequestChunk(tt.volume, "cx", tt.offset, tt.length)
			if res := c.next(t); !res.failed {
				t.Fatalf("expected chunk error, got %+v", res)
			}
		})
	}
}

func TestRequestChunkAfterUnmount(t *testing.T) {
	h := New()
	c := newCaptureCompleter()
	h.Bind(c)
	id, _, err := h.Mount(writeTemp(t, "a.zip", "content"))
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	h.Unmount(id)

	h.RequestChunk(id, "c1", 0, 4)
	if res := c.next(t); !res.failed {
		t.Fatalf("expected chunk error after unmount, got %+v", res)
	}
}
