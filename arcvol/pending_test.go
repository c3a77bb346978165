package arcvol

import (
	"bytes"
	"testing"
)

func TestPendingTableCompleteOnce(t *testing.T) {
	table := newPendingTable()
	req := table.add("stream1", 100, 8)
	if req.correlationID == "" {
		t.Fatalf("expected a correlation id")
	}

	if !table.complete(req.correlationID, []byte("abcd"), 100) {
		t.Fatalf("complete rejected a live request")
	}
	res := <-req.result
	if res.err != nil || !bytes.Equal(res.data, []byte("abcd")) || res.offset != 100 {
		t.Fatalf("unexpected result: %+v", res)
	}

	// Resolved ids are gone; late duplicates are reported for dropping.
	if table.complete(req.correlationID, []byte("late"), 100) {
		t.Errorf("complete accepted an already resolved id")
	}
	if table.fail(req.correlationID) {
		t.Errorf("fail accepted an already resolved id")
	}
}

func TestPendingTableFail(t *testing.T) {
	table := newPendingTable()
	req := table.add("stream1", 0, 8)
	if !table.fail(req.correlationID) {
		t.Fatalf("fail rejected a live request")
	}
	res := <-req.result
	if res.err != errChunkFailed {
		t.Fatalf("expected errChunkFailed, got %v", res.err)
	}
}

func TestPendingTableUniqueIDs(t *testing.T) {
	table := newPendingTable()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		req := table.add("s", 0, 1)
		if seen[req.correlationID] {
			t.Fatalf("duplicate correlation id %s", req.correlationID)
		}
		seen[req.correlationID] = true
	}
}

func TestPendingTableCancelStream(t *testing.T) {
	table := newPendingTable()
	mine := table.add("stream1", 0, 8)
	other := table.add("stream2", 8, 8)

	table.cancelStream("stream1")
	res := <-mine.result
	if res.err != errCanceled {
		t.Fatalf("expected errCanceled, got %v", res.err)
	}

	// The other stream's request is untouched.
	select {
	case res := <-other.result:
		t.Fatalf("cancelStream resolved an unrelated request: %+v", res)
	default:
	}
	if !table.complete(other.correlationID, []byte("x"), 8) {
		t.Fatalf("unrelated request no longer live after cancelStream")
	}
}

func TestPendingTableCancelAll(t *testing.T) {
	table := newPendingTable()
	reqs := []*pendingRequest{
		table.add("", 0, 4),
		table.add("stream1", 4, 4),
		table.add("stream2", 8, 4),
	}
	table.cancelAll()
	for _, req := range reqs {
		if res := <-req.result; res.err != errCanceled {
			t.Fatalf("expected errCanceled for %s, got %v", req.correlationID, res.err)
		}
	}
	if got := len(table.snapshot()); got != 0 {
		t.Errorf("expected empty table after cancelAll, got %d", got)
	}
}

func TestPendingTableSnapshot(t *testing.T) {
	table := newPendingTable()
	table.add("stream1", 100, 8)
	table.add("", 0, 22)

	infos := table.snapshot()
	if len(infos) != 2 {
		t.Fatalf("expected 2 pending infos, got %d", len(infos))
	}
	byStream := make(map[string]PendingInfo)
	for _, info := range infos {
		byStream[info.StreamID] = info
	}
	if info := byStream["stream1"]; info.Offset != 100 || info.Length != 8 {
		t.Errorf("unexpected stream info: %+v", info)
	}
	if info := byStream[""]; info.Offset != 0 || info.Length != 22 {
		t.Errorf("unexpected metadata info: %+v", info)
	}
}
