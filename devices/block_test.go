package devices

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestBlockDeviceReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := Open(path, "filesys", 16)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if got := d.Size(); got != 16 {
		t.Fatalf("Size() = %d, want 16", got)
	}

	want := bytes.Repeat([]byte{0xAB}, SectorSize)
	if err := d.Write(3, want); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, SectorSize)
	if err := d.Read(3, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back mismatched write to sector 3")
	}

	zero := make([]byte, SectorSize)
	if err := d.Read(0, zero); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(zero, make([]byte, SectorSize)) {
		t.Fatal("untouched sector was not zero-filled")
	}
}

func TestBlockDeviceBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := Open(path, "swap", 2)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	buf := make([]byte, SectorSize)
	if err := d.Read(2, buf); err == nil {
		t.Fatal("expected out-of-range read to fail")
	}
	if err := d.Write(100, buf); err == nil {
		t.Fatal("expected out-of-range write to fail")
	}
	if err := d.Read(0, buf[:10]); err == nil {
		t.Fatal("expected undersized buffer to be rejected")
	}
}

func TestBlockDeviceReopenPreservesSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	d1, err := Open(path, "filesys", 4)
	if err != nil {
		t.Fatal(err)
	}
	d1.Close()

	d2, err := Open(path, "filesys", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer d2.Close()
	if got := d2.Size(); got != 4 {
		t.Fatalf("Size() after reopen = %d, want 4", got)
	}
}

type countingTicker struct{ n int }

func (c *countingTicker) Tick() { c.n++ }

func TestTimerFrequencyValidation(t *testing.T) {
	c := &countingTicker{}
	if _, err := NewTimer(c, TimerOptions{FreqHz: 18}); err == nil {
		t.Fatal("expected 18 Hz to be rejected")
	}
	if _, err := NewTimer(c, TimerOptions{FreqHz: 1001}); err == nil {
		t.Fatal("expected 1001 Hz to be rejected")
	}
	if _, err := NewTimer(c, TimerOptions{FreqHz: 100}); err != nil {
		t.Fatalf("expected 100 Hz to be accepted: %v", err)
	}
}

func TestTimerDeliversTicks(t *testing.T) {
	c := &countingTicker{}
	tm, err := NewTimer(c, TimerOptions{FreqHz: 1000})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := tm.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if c.n == 0 {
		t.Fatal("timer delivered no ticks")
	}
}
