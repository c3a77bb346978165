package main

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/arcget/arcget/arcvol"
	"github.com/arcget/arcget/arcvol/hostfile"
	"github.com/arcget/arcget/arcvol/zipcodec"
)

// reply is one boundary delivery for a request id.
type reply struct {
	entries []*arcvol.Entry
	data    []byte
	hasMore bool
	err     error
}

// replySink adapts the engine's asynchronous response sink to
// synchronous waiters keyed by request id.
type replySink struct {
	mu      sync.Mutex
	waiters map[string]chan reply
}

func newReplySink() *replySink {
	return &replySink{waiters: make(map[string]chan reply)}
}

// expect registers a waiter for requestID before the operation is
// issued, so the reply cannot be missed.
func (s *replySink) expect(requestID string) chan reply {
	ch := make(chan reply, 1)
	s.mu.Lock()
	s.waiters[requestID] = ch
	s.mu.Unlock()
	return ch
}

func (s *replySink) deliver(requestID string, r reply) {
	s.mu.Lock()
	ch := s.waiters[requestID]
	delete(s.waiters, requestID)
	s.mu.Unlock()
	if ch != nil {
		ch <- r
	}
}

func (s *replySink) MetadataReady(volumeID, requestID string, entries []*arcvol.Entry) {
	s.deliver(requestID, reply{entries: entries})
}

func (s *replySink) OpenDone(volumeID, requestID string) {
	s.deliver(requestID, reply{})
}

func (s *replySink) CloseDone(volumeID, requestID, openRequestID string) {
	s.deliver(requestID, reply{})
}

func (s *replySink) ReadDone(volumeID, requestID string, data []byte, hasMoreData bool) {
	s.deliver(requestID, reply{data: data, hasMore: hasMoreData})
}

func (s *replySink) Error(volumeID, requestID string, err error) {
	s.deliver(requestID, reply{err: err})
}

// client wires a local-file host, the volume registry, and a reply sink
// into a synchronous view of the engine for the CLI.
type client struct {
	host    *hostfile.Host
	reg     *arcvol.Registry
	sink    *replySink
	nextReq atomic.Uint64
}

func newClient() *client {
	sink := newReplySink()
	host := hostfile.New()
	reg := arcvol.NewRegistry(host, sink, zipcodec.New())
	host.Bind(reg)
	return &client{host: host, reg: reg, sink: sink}
}

func (c *client) requestID() string {
	return "r" + strconv.FormatUint(c.nextReq.Add(1), 10)
}

// mount opens the archive, creates its volume, and loads metadata.
func (c *client) mount(path string) (volumeID string, size int64, entries []*arcvol.Entry, err error) {
	volumeID, size, err = c.host.Mount(path)
	if err != nil {
		return "", 0, nil, err
	}
	vol, err := c.reg.CreateVolume(volumeID)
	if err != nil {
		c.host.Unmount(volumeID)
		return "", 0, nil, err
	}

	reqID := c.requestID()
	ch := c.sink.expect(reqID)
	vol.ReadMetadata(reqID, size)
	r := <-ch
	if r.err != nil {
		c.unmount(volumeID)
		return "", 0, nil, fmt.Errorf("read metadata: %w", r.err)
	}
	return volumeID, size, r.entries, nil
}

func (c *client) unmount(volumeID string) {
	c.reg.Destroy(volumeID)
	c.host.Unmount(volumeID)
}

// open returns the open request id that names the stream.
func (c *client) open(volumeID, path string, archiveSize int64) (string, error) {
	vol, err := c.reg.Get(volumeID)
	if err != nil {
		return "", err
	}
	openID := c.requestID()
	ch := c.sink.expect(openID)
	vol.OpenFile(openID, path, archiveSize)
	r := <-ch
	if r.err != nil {
		return "", fmt.Errorf("open %s: %w", path, r.err)
	}
	return openID, nil
}

func (c *client) read(volumeID, openID string, offset, length int64) ([]byte, bool, error) {
	vol, err := c.reg.Get(volumeID)
	if err != nil {
		return nil, false, err
	}
	reqID := c.requestID()
	ch := c.sink.expect(reqID)
	vol.ReadFile(reqID, openID, offset, length)
	r := <-ch
	if r.err != nil {
		return nil, false, r.err
	}
	return r.data, r.hasMore, nil
}

func (c *client) closeFile(volumeID, openID string) error {
	vol, err := c.reg.Get(volumeID)
	if err != nil {
		return err
	}
	reqID := c.requestID()
	ch := c.sink.expect(reqID)
	vol.CloseFile(reqID, openID)
	r := <-ch
	return r.err
}
