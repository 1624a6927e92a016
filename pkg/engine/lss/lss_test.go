package lss

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "log.jsonl")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenWritesBootstrapRecord(t *testing.T) {
	s := openTestStore(t)
	events, err := s.Reader().PhysicalRead(0)
	if err != nil {
		t.Fatalf("PhysicalRead: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 bootstrap event, got %d", len(events))
	}
	if events[0].Type != "LSS.Initialized" || events[0].OrderID != 0 {
		t.Fatalf("unexpected bootstrap event: %+v", events[0])
	}
}

func TestPhysicalAppendAssignsIncreasingOrderIDs(t *testing.T) {
	s := openTestStore(t)
	w := s.Writer()

	stamped, err := w.PhysicalAppend([]Event{
		{PartitionID: "sub-1", Type: "Subscription.Created", Data: map[string]any{"id": 1}, Metadata: map[string]any{"appendTime": "t1"}},
		{PartitionID: "sub-1", Type: "Member.Assigned", Data: map[string]any{}, Metadata: map[string]any{"appendTime": "t1"}},
	})
	if err != nil {
		t.Fatalf("PhysicalAppend: %v", err)
	}
	if stamped[0].OrderID != 1 || stamped[1].OrderID != 2 {
		t.Fatalf("expected order ids 1,2 (after bootstrap=0), got %d,%d", stamped[0].OrderID, stamped[1].OrderID)
	}
}

func TestPhysicalAppendStampsAppendTime(t *testing.T) {
	s := openTestStore(t)
	w := s.Writer()

	stamped, err := w.PhysicalAppend([]Event{
		{PartitionID: "sub-1", Type: "Subscription.Created", Data: map[string]any{}, Metadata: map[string]any{}},
		{PartitionID: "sub-1", Type: "Member.Assigned", Data: map[string]any{}, Metadata: map[string]any{}},
	})
	if err != nil {
		t.Fatalf("PhysicalAppend: %v", err)
	}

	first, ok := stamped[0].Metadata["appendTime"].(string)
	if !ok || first == "" {
		t.Fatalf("expected writer to stamp Metadata[appendTime], got %+v", stamped[0].Metadata)
	}
	second, ok := stamped[1].Metadata["appendTime"].(string)
	if !ok || second == "" {
		t.Fatalf("expected writer to stamp Metadata[appendTime], got %+v", stamped[1].Metadata)
	}
	if first != second {
		t.Fatalf("expected one shared appendTime across a batch, got %q and %q", first, second)
	}

	reopened, err := s.Reader().PhysicalRead(stamped[0].OrderID)
	if err != nil {
		t.Fatalf("PhysicalRead: %v", err)
	}
	if reopened[0].Metadata["appendTime"] != first {
		t.Fatalf("appendTime not persisted: %+v", reopened[0].Metadata)
	}
}

func TestLogicalReadFiltersByPartition(t *testing.T) {
	s := openTestStore(t)
	w := s.Writer()
	if _, err := w.PhysicalAppend([]Event{
		{PartitionID: "sub-1", Type: "Subscription.Created", Data: map[string]any{}, Metadata: map[string]any{}},
		{PartitionID: "sub-2", Type: "Subscription.Created", Data: map[string]any{}, Metadata: map[string]any{}},
		{PartitionID: "sub-1", Type: "Member.Assigned", Data: map[string]any{}, Metadata: map[string]any{}},
	}); err != nil {
		t.Fatalf("PhysicalAppend: %v", err)
	}

	events, err := s.Reader().LogicalRead("sub-1", true, 0, 0)
	if err != nil {
		t.Fatalf("LogicalRead: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for sub-1, got %d", len(events))
	}
	for _, e := range events {
		if e.PartitionID != "sub-1" {
			t.Fatalf("leaked event from other partition: %+v", e)
		}
	}
}

func TestLogicalReadDescendingAndPaginated(t *testing.T) {
	s := openTestStore(t)
	w := s.Writer()
	if _, err := w.PhysicalAppend([]Event{
		{PartitionID: "sub-1", Type: "A", Data: map[string]any{}, Metadata: map[string]any{}},
		{PartitionID: "sub-1", Type: "B", Data: map[string]any{}, Metadata: map[string]any{}},
		{PartitionID: "sub-1", Type: "C", Data: map[string]any{}, Metadata: map[string]any{}},
	}); err != nil {
		t.Fatalf("PhysicalAppend: %v", err)
	}

	desc, err := s.Reader().LogicalRead("sub-1", false, 0, 0)
	if err != nil {
		t.Fatalf("LogicalRead: %v", err)
	}
	if len(desc) != 3 || desc[0].Type != "C" || desc[2].Type != "A" {
		t.Fatalf("expected descending C,B,A, got %+v", desc)
	}

	page, err := s.Reader().LogicalRead("sub-1", true, 1, 1)
	if err != nil {
		t.Fatalf("LogicalRead: %v", err)
	}
	if len(page) != 1 || page[0].Type != "B" {
		t.Fatalf("expected [B] for limit=1 offset=1, got %+v", page)
	}
}

func TestLogicalReadFirstAndLast(t *testing.T) {
	s := openTestStore(t)
	w := s.Writer()
	if _, err := w.PhysicalAppend([]Event{
		{PartitionID: "sub-1", Type: "A", Data: map[string]any{}, Metadata: map[string]any{}},
		{PartitionID: "sub-1", Type: "B", Data: map[string]any{}, Metadata: map[string]any{}},
	}); err != nil {
		t.Fatalf("PhysicalAppend: %v", err)
	}

	first, err := s.Reader().LogicalReadFirst("sub-1")
	if err != nil || first.Type != "A" {
		t.Fatalf("LogicalReadFirst: got %+v, err %v", first, err)
	}
	last, err := s.Reader().LogicalReadLast("sub-1")
	if err != nil || last.Type != "B" {
		t.Fatalf("LogicalReadLast: got %+v, err %v", last, err)
	}
}

func TestLogicalReadFirstOnEmptyPartitionIsEmptyPartitionError(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Reader().LogicalReadFirst("nonexistent"); err != ErrEmptyPartition {
		t.Fatalf("expected ErrEmptyPartition, got %v", err)
	}
}

func TestReopenReplaysExistingLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s1.Writer().PhysicalAppend([]Event{
		{PartitionID: "sub-1", Type: "Subscription.Created", Data: map[string]any{}, Metadata: map[string]any{}},
	}); err != nil {
		t.Fatalf("PhysicalAppend: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	events, err := s2.Reader().PhysicalRead(0)
	if err != nil {
		t.Fatalf("PhysicalRead: %v", err)
	}
	if len(events) != 2 { // bootstrap + the one appended
		t.Fatalf("expected 2 events after reopen, got %d", len(events))
	}

	// A second Open must not re-append the bootstrap record.
	stamped, err := s2.Writer().PhysicalAppend([]Event{
		{PartitionID: "sub-1", Type: "Member.Assigned", Data: map[string]any{}, Metadata: map[string]any{}},
	})
	if err != nil {
		t.Fatalf("PhysicalAppend after reopen: %v", err)
	}
	if stamped[0].OrderID != 2 {
		t.Fatalf("expected next order id 2, got %d", stamped[0].OrderID)
	}
}
