package eventstore

import (
	"testing"

	"github.com/fluxorio/cqrsflow/pkg/core"
)

func TestFSStore_LinearOrderFlow(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir, nil)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	defer store.Close()

	streamID := "Order-1"
	version, aerr := store.Append(streamID, []interface{}{orderCreated{Amount: 100}}, NoConcurrencyCheck)
	if aerr != nil {
		t.Fatalf("append created: %v", aerr)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}

	version, aerr = store.Append(streamID, []interface{}{orderPaid{}, orderShipped{}}, version)
	if aerr != nil {
		t.Fatalf("append paid+shipped: %v", aerr)
	}
	if version != 3 {
		t.Fatalf("expected version 3, got %d", version)
	}

	stream, rerr := store.Read(streamID, 1, 0)
	if rerr != nil {
		t.Fatalf("read: %v", rerr)
	}
	if len(stream.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(stream.Events))
	}
}

func TestFSStore_ConcurrencyConflict(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir, nil)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	defer store.Close()

	streamID := "X"
	if _, aerr := store.Append(streamID, []interface{}{orderCreated{}}, 0); aerr != nil {
		t.Fatalf("first append: %v", aerr)
	}
	if _, aerr := store.Append(streamID, []interface{}{orderCreated{}}, 0); aerr == nil || aerr.Kind != core.KindConflict {
		t.Fatalf("expected conflict on stale expectedVersion, got %v", aerr)
	}
}

func TestFSStore_RecoversAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store1, err := NewFSStore(dir, nil)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	if _, aerr := store1.Append("Order-1", []interface{}{orderCreated{Amount: 50}, orderPaid{}}, NoConcurrencyCheck); aerr != nil {
		t.Fatalf("append: %v", aerr)
	}
	if cerr := store1.Close(); cerr != nil {
		t.Fatalf("close: %v", cerr)
	}

	store2, err := NewFSStore(dir, nil)
	if err != nil {
		t.Fatalf("NewFSStore reopen: %v", err)
	}
	defer store2.Close()

	version, verr := store2.GetStreamVersion("Order-1")
	if verr != nil || version != 2 {
		t.Fatalf("expected recovered version 2, got %d, %v", version, verr)
	}

	stream, rerr := store2.Read("Order-1", 1, 0)
	if rerr != nil || len(stream.Events) != 2 {
		t.Fatalf("expected 2 recovered events, got %d, %v", len(stream.Events), rerr)
	}
}

func TestFSStore_DeleteStream(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir, nil)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	defer store.Close()

	if _, aerr := store.Append("to-delete", []interface{}{orderCreated{}}, NoConcurrencyCheck); aerr != nil {
		t.Fatalf("append: %v", aerr)
	}
	if derr := store.DeleteStream("to-delete"); derr != nil {
		t.Fatalf("delete: %v", derr)
	}

	version, verr := store.GetStreamVersion("to-delete")
	if verr != nil || version != 0 {
		t.Fatalf("expected version 0 after delete, got %d", version)
	}
}

func TestFSStore_DeleteSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store1, err := NewFSStore(dir, nil)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	if _, aerr := store1.Append("to-delete", []interface{}{orderCreated{}}, NoConcurrencyCheck); aerr != nil {
		t.Fatalf("append: %v", aerr)
	}
	if derr := store1.DeleteStream("to-delete"); derr != nil {
		t.Fatalf("delete: %v", derr)
	}
	if cerr := store1.Close(); cerr != nil {
		t.Fatalf("close: %v", cerr)
	}

	store2, err := NewFSStore(dir, nil)
	if err != nil {
		t.Fatalf("NewFSStore reopen: %v", err)
	}
	defer store2.Close()

	version, verr := store2.GetStreamVersion("to-delete")
	if verr != nil || version != 0 {
		t.Fatalf("deleted stream resurrected on replay: version %d, %v", version, verr)
	}
	stream, rerr := store2.Read("to-delete", 1, 0)
	if rerr != nil || len(stream.Events) != 0 {
		t.Fatalf("expected empty read after reopen, got %d events, %v", len(stream.Events), rerr)
	}
}

func TestFSStore_ListStreams(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir, nil)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	defer store.Close()

	for _, id := range []string{"Order-1", "Order-2", "Customer-1"} {
		if _, aerr := store.Append(id, []interface{}{orderCreated{}}, NoConcurrencyCheck); aerr != nil {
			t.Fatalf("append %s: %v", id, aerr)
		}
	}

	ids, lerr := store.ListStreams("Order-*")
	if lerr != nil {
		t.Fatalf("list streams: %v", lerr)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 matching streams, got %d: %v", len(ids), ids)
	}
}
