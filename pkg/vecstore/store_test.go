package vecstore

import "testing"

func TestAddGetRoundTrip(t *testing.T) {
	s := New(3, 0)
	id, err := s.Add([]float32{1, 2, 3}, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	slot, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if slot.Data[0] != 1 || slot.Data[1] != 2 || slot.Data[2] != 3 {
		t.Errorf("unexpected data: %v", slot.Data)
	}
	if slot.Meta["k"] != "v" {
		t.Errorf("unexpected meta: %v", slot.Meta)
	}
}

func TestAddDimensionMismatch(t *testing.T) {
	s := New(3, 0)
	if _, err := s.Add([]float32{1, 2}, nil); err == nil {
		t.Error("expected error for wrong dimension")
	}
}

func TestAddRespectsMaxVectors(t *testing.T) {
	s := New(2, 1)
	if _, err := s.Add([]float32{1, 1}, nil); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := s.Add([]float32{2, 2}, nil); err == nil {
		t.Error("expected capacity error on second add")
	}
}

func TestDeleteThenGetFails(t *testing.T) {
	s := New(2, 0)
	id, _ := s.Add([]float32{1, 1}, nil)
	if err := s.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(id); err == nil {
		t.Error("expected error getting a deleted slot")
	}
	if s.LiveCount() != 0 {
		t.Errorf("want live count 0, got %d", s.LiveCount())
	}
}

func TestUpdateDataAndMetadata(t *testing.T) {
	s := New(2, 0)
	id, _ := s.Add([]float32{1, 1}, map[string]string{"a": "1"})
	if err := s.UpdateData(id, []float32{9, 9}); err != nil {
		t.Fatalf("update data: %v", err)
	}
	if err := s.UpdateMetadata(id, map[string]string{"b": "2"}); err != nil {
		t.Fatalf("update meta: %v", err)
	}
	slot, _ := s.Get(id)
	if slot.Data[0] != 9 {
		t.Errorf("data not updated: %v", slot.Data)
	}
	if _, ok := slot.Meta["a"]; ok {
		t.Error("metadata should have been fully replaced, not merged")
	}
	if slot.Meta["b"] != "2" {
		t.Errorf("metadata not updated: %v", slot.Meta)
	}
}

func TestGrowthPreservesExistingSlots(t *testing.T) {
	s := New(1, 0)
	var ids []uint64
	for i := 0; i < 200; i++ {
		id, err := s.Add([]float32{float32(i)}, nil)
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	for i, id := range ids {
		slot, err := s.Get(id)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if slot.Data[0] != float32(i) {
			t.Errorf("slot %d corrupted after growth: got %f", i, slot.Data[0])
		}
	}
}

func TestCompactRemapsIDs(t *testing.T) {
	s := New(1, 0)
	id0, _ := s.Add([]float32{0}, nil)
	id1, _ := s.Add([]float32{1}, nil)
	id2, _ := s.Add([]float32{2}, nil)
	s.Delete(id1)

	mapping := s.Compact()
	if _, ok := mapping[id1]; ok {
		t.Error("deleted slot should not appear in compaction mapping")
	}
	newID0, ok := mapping[id0]
	if !ok {
		t.Fatal("id0 missing from compaction mapping")
	}
	newID2, ok := mapping[id2]
	if !ok {
		t.Fatal("id2 missing from compaction mapping")
	}

	slot0, err := s.Get(newID0)
	if err != nil || slot0.Data[0] != 0 {
		t.Fatalf("slot0 data corrupted after compact: %+v err=%v", slot0, err)
	}
	slot2, err := s.Get(newID2)
	if err != nil || slot2.Data[0] != 2 {
		t.Fatalf("slot2 data corrupted after compact: %+v err=%v", slot2, err)
	}
	if s.LiveCount() != 2 {
		t.Errorf("want live count 2 after compact, got %d", s.LiveCount())
	}
}

func TestStatsAndMemoryBytes(t *testing.T) {
	s := New(4, 10)
	s.Add([]float32{1, 2, 3, 4}, nil)
	stats := s.Stats()
	if stats.Dim != 4 || stats.MaxVectors != 10 || stats.LiveCount != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if s.MemoryBytes() <= 0 {
		t.Error("expected positive memory estimate")
	}
}
