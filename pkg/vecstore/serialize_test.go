package vecstore

import "testing"

func TestSerializeRestoreRoundTrip(t *testing.T) {
	s := New(2, 0)
	id0, _ := s.Add([]float32{1, 2}, map[string]string{"a": "1"})
	id1, _ := s.Add([]float32{3, 4}, map[string]string{"b": "2"})
	id2, _ := s.Add([]float32{5, 6}, nil)
	if err := s.Delete(id1); err != nil {
		t.Fatalf("delete: %v", err)
	}

	data, err := s.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	restored, err := Restore(data)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.HighWater() != s.HighWater() {
		t.Errorf("high water mismatch: got %d want %d", restored.HighWater(), s.HighWater())
	}
	if restored.LiveCount() != s.LiveCount() {
		t.Errorf("live count mismatch: got %d want %d", restored.LiveCount(), s.LiveCount())
	}

	slot0, err := restored.Get(id0)
	if err != nil {
		t.Fatalf("get id0: %v", err)
	}
	if slot0.Data[0] != 1 || slot0.Data[1] != 2 || slot0.Meta["a"] != "1" {
		t.Errorf("id0 mismatch after restore: %+v", slot0)
	}

	if _, err := restored.Get(id1); err == nil {
		t.Error("id1 should still be tombstoned after restore")
	}

	slot2, err := restored.Get(id2)
	if err != nil {
		t.Fatalf("get id2: %v", err)
	}
	if slot2.Data[0] != 5 || slot2.Data[1] != 6 {
		t.Errorf("id2 mismatch after restore: %+v", slot2)
	}
}

func TestSerializeRestoreEmptyStore(t *testing.T) {
	s := New(4, 100)
	data, err := s.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	restored, err := Restore(data)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.HighWater() != 0 || restored.LiveCount() != 0 {
		t.Errorf("expected empty restored store, got highwater=%d livecount=%d",
			restored.HighWater(), restored.LiveCount())
	}
}
