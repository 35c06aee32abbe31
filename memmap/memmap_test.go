package memmap

import (
	"testing"
	"unsafe"

	"github.com/kylelemons/godebug/pretty"
)

func backing(n int) []byte {
	return make([]byte, n)
}

func TestInsertOrdering(t *testing.T) {
	m := New()
	if err := m.Insert(0x3000, 0x1000, backing(0x1000), false); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(0x1000, 0x1000, backing(0x1000), false); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(0x2000, 0x1000, backing(0x1000), true); err != nil {
		t.Fatal(err)
	}

	got := []uint64{}
	for _, r := range m.Regions() {
		got = append(got, r.GPA)
	}
	want := []uint64{0x1000, 0x2000, 0x3000}
	if diff := pretty.Compare(got, want); diff != "" {
		t.Errorf("region order mismatch: %s", diff)
	}
}

func TestInsertRejectsOverlap(t *testing.T) {
	m := New()
	if err := m.Insert(0x1000, 0x2000, backing(0x2000), false); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(0x2000, 0x1000, backing(0x1000), false); err == nil {
		t.Fatal("expected overlap rejection")
	}
}

func TestInsertRejectsFull(t *testing.T) {
	m := New()
	for i := 0; i < MaxRegions; i++ {
		gpa := uint64(i) * 0x1000
		if err := m.Insert(gpa, 0x1000, backing(0x1000), false); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Insert(uint64(MaxRegions)*0x1000, 0x1000, backing(0x1000), false); err == nil {
		t.Fatal("expected full-table rejection")
	}
}

func TestTranslateWithinRegion(t *testing.T) {
	m := New()
	data := backing(0x1000)
	if err := m.Insert(0x1000, 0x1000, data, false); err != nil {
		t.Fatal(err)
	}

	got, err := m.Translate(0x1010, 0x10, false)
	if err != nil {
		t.Fatal(err)
	}
	if &got[0] != &data[0x10] {
		t.Fatalf("wrong base pointer")
	}
}

// TestTranslateScenario reproduces the spec's worked example: three
// contiguous 0x1000 regions at gpa 0x1000 (rw), 0x2000 (ro), 0x3000 (rw).
func TestTranslateScenario(t *testing.T) {
	m := New()
	r1 := backing(0x1000)
	r2 := backing(0x1000)
	r3 := backing(0x1000)
	if err := m.Insert(0x1000, 0x1000, r1, false); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(0x2000, 0x1000, r2, true); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(0x3000, 0x1000, r3, false); err != nil {
		t.Fatal(err)
	}

	if got, err := m.Translate(0x1000, 0x3000, true); err != nil {
		t.Fatalf("read-only span across regions: %v", err)
	} else if uintptr(unsafe.Pointer(&got[0])) != uintptr(unsafe.Pointer(&r1[0])) {
		t.Fatalf("wrong base pointer for read-only span")
	}

	if _, err := m.Translate(0x1000, 0x3000, false); err == nil {
		t.Fatal("expected failure: middle region is read-only")
	}

	if _, err := m.Translate(0x0FFF, 0x1000, true); err == nil {
		t.Fatal("expected failure: range starts in an unmapped gap")
	}
}

func TestTranslateZeroLength(t *testing.T) {
	m := New()
	if err := m.Insert(0x1000, 0x1000, backing(0x1000), false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Translate(0x1000, 0, true); err == nil {
		t.Fatal("expected zero-length rejection")
	}
}

func TestTranslateNonContiguousGap(t *testing.T) {
	m := New()
	if err := m.Insert(0x1000, 0x1000, backing(0x1000), false); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(0x3000, 0x1000, backing(0x1000), false); err != nil {
		t.Fatal(err)
	}
	// Spans the gap between the two regions (0x2000..0x3000 unmapped).
	if _, err := m.Translate(0x1000, 0x2001, true); err == nil {
		t.Fatal("expected gap rejection")
	}
}
