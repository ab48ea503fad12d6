package engine

import "testing"

func TestMeterCeiling(t *testing.T) {
	m := NewMeter(1024)

	if !m.Reserve(0, 512) {
		t.Fatal("first allocation within ceiling rejected")
	}
	if !m.Reserve(0, 512) {
		t.Fatal("allocation up to exact ceiling rejected")
	}
	if m.Reserve(0, 1) {
		t.Fatal("allocation past ceiling accepted")
	}
	if m.Used() != 1024 {
		t.Fatalf("Used() = %d, want 1024", m.Used())
	}
}

func TestMeterShrinkAndFree(t *testing.T) {
	m := NewMeter(1024)

	m.Reserve(0, 1000)
	if !m.Reserve(1000, 200) {
		t.Fatal("shrink rejected")
	}
	if m.Used() != 200 {
		t.Fatalf("Used() = %d after shrink, want 200", m.Used())
	}
	if !m.Reserve(200, 0) {
		t.Fatal("free rejected")
	}
	if m.Used() != 0 {
		t.Fatalf("Used() = %d after free, want 0", m.Used())
	}
}

func TestMeterUnlimited(t *testing.T) {
	m := NewMeter(0)
	if !m.Reserve(0, 1<<40) {
		t.Fatal("unlimited meter rejected growth")
	}
}

func TestMeterLoweredCeiling(t *testing.T) {
	m := NewMeter(0)
	m.Reserve(0, 4096)

	m.SetMax(1024)
	// Existing usage stays; only growth is rejected.
	if m.Used() != 4096 {
		t.Fatalf("Used() = %d, want 4096", m.Used())
	}
	if m.Reserve(0, 16) {
		t.Fatal("growth above lowered ceiling accepted")
	}
	if !m.Reserve(4096, 512) {
		t.Fatal("shrink below lowered ceiling rejected")
	}
}
