package freemap

import (
	"path/filepath"
	"testing"

	"github.com/jik8191/gopintos/devices"
)

func newTestDevice(t *testing.T, sectors devices.Sector) *devices.BlockDevice {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fs.img")
	dev, err := devices.Open(path, "fs", sectors)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 16)
	m := New(dev, 0)
	m.Reserve(0, 1)

	var a, b devices.Sector
	if !m.Allocate(1, &a) {
		t.Fatal("expected allocation to succeed")
	}
	if a == 0 {
		t.Fatal("expected reserved sector 0 to be skipped")
	}
	if !m.Allocate(1, &b) {
		t.Fatal("expected second allocation to succeed")
	}
	if a == b {
		t.Fatal("expected distinct sectors")
	}

	m.Release(a, 1)
	var c devices.Sector
	if !m.Allocate(1, &c) {
		t.Fatal("expected allocation after release to succeed")
	}
	if c != a {
		t.Fatalf("expected released sector %d to be reused, got %d", a, c)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	dev := newTestDevice(t, 2)
	m := New(dev, 0)
	m.Reserve(0, 1)

	var s devices.Sector
	if !m.Allocate(1, &s) {
		t.Fatal("expected the one remaining sector to allocate")
	}
	if m.Allocate(1, &s) {
		t.Fatal("expected allocation to fail once the map is full")
	}
}

func TestCloseOpenRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 8192)
	m := New(dev, 0)
	m.Reserve(0, 16)

	var allocated []devices.Sector
	for i := 0; i < 10; i++ {
		var s devices.Sector
		if !m.Allocate(1, &s) {
			t.Fatal("expected allocation to succeed")
		}
		allocated = append(allocated, s)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dev, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range allocated {
		var out devices.Sector
		reopened.Release(s, 1)
		_ = out
	}
	for range allocated {
		var out devices.Sector
		if !reopened.Allocate(1, &out) {
			t.Fatal("expected released sectors to be reusable after reopen")
		}
	}
}
