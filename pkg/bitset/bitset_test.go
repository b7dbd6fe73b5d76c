package bitset

import "testing"

func TestSetClearTest(t *testing.T) {
	s := New(10)
	if s.Test(3) {
		t.Error("bit 3 should start unset")
	}
	s.Set(3)
	if !s.Test(3) {
		t.Error("bit 3 should be set")
	}
	s.Clear(3)
	if s.Test(3) {
		t.Error("bit 3 should be cleared")
	}
}

func TestGrowsOnDemand(t *testing.T) {
	s := New(1)
	s.Set(100)
	if !s.Test(100) {
		t.Error("bit 100 should be set after growth")
	}
}

func TestCount(t *testing.T) {
	s := New(16)
	s.Set(0)
	s.Set(5)
	s.Set(15)
	if got := s.Count(); got != 3 {
		t.Errorf("want count 3, got %d", got)
	}
}

func TestOutOfRangeReadsUnset(t *testing.T) {
	s := New(8)
	if s.Test(1000) {
		t.Error("out-of-range bit should read as unset")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	s := New(16)
	s.Set(2)
	s.Set(9)
	cp := FromBytes(s.Bytes())
	if !cp.Test(2) || !cp.Test(9) {
		t.Error("round-tripped bitset lost set bits")
	}
	if cp.Test(3) {
		t.Error("round-tripped bitset gained a bit that wasn't set")
	}
}
