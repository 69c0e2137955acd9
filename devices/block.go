// Package devices provides the kernel's two external collaborators: a
// sector-addressed block device and a periodic timer, matching
// spec.md §6's "External Interfaces".
package devices

import (
	"fmt"
	"os"
)

// SectorSize is the fixed block device I/O unit, in bytes.
const SectorSize = 512

// Sector is a block device sector index.
type Sector uint32

// BlockDevice is a fixed-sector-size random access device backed by a
// plain file. The filesystem device and the swap device are both
// BlockDevices, distinguished only by which file backs them — there is
// no device-type field, matching spec.md §6's "two named devices" being
// a naming convention at the call site, not a type distinction.
type BlockDevice struct {
	name string
	f    *os.File
	size Sector // in sectors
}

// Open opens the file at path as a BlockDevice, creating the file if it
// does not exist. If sectors > 0 and the file is shorter than that, it
// is grown to sectors*SectorSize bytes. If sectors == 0, the device's
// size is taken from the existing file's length, which must be an exact
// multiple of SectorSize.
func Open(path string, name string, sectors Sector) (*BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("devices: open %s (%s): %w", name, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("devices: stat %s (%s): %w", name, path, err)
	}
	want := int64(sectors) * SectorSize
	if sectors == 0 {
		if info.Size()%SectorSize != 0 {
			f.Close()
			return nil, fmt.Errorf("devices: %s (%s): size %d is not a multiple of %d", name, path, info.Size(), SectorSize)
		}
		want = info.Size()
	} else if info.Size() < want {
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, fmt.Errorf("devices: grow %s (%s): %w", name, path, err)
		}
	}
	return &BlockDevice{name: name, f: f, size: Sector(want / SectorSize)}, nil
}

// Close closes the backing file.
func (d *BlockDevice) Close() error { return d.f.Close() }

// Size returns the device's capacity in sectors.
func (d *BlockDevice) Size() Sector { return d.size }

// String identifies the device for logging, e.g. "filesys(/tmp/fs.img)".
func (d *BlockDevice) String() string { return fmt.Sprintf("%s(%s)", d.name, d.f.Name()) }

func (d *BlockDevice) checkBounds(sector Sector, op string) error {
	if sector >= d.size {
		return fmt.Errorf("devices: %s sector %d out of range (%s has %d sectors)", op, sector, d.name, d.size)
	}
	return nil
}

// Read fills buf (which must be exactly SectorSize bytes) with the
// contents of the given sector.
func (d *BlockDevice) Read(sector Sector, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("devices: read buffer is %d bytes, want %d", len(buf), SectorSize)
	}
	if err := d.checkBounds(sector, "read"); err != nil {
		return err
	}
	return d.pread(buf, int64(sector)*SectorSize)
}

// Write writes buf (which must be exactly SectorSize bytes) to the
// given sector.
func (d *BlockDevice) Write(sector Sector, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("devices: write buffer is %d bytes, want %d", len(buf), SectorSize)
	}
	if err := d.checkBounds(sector, "write"); err != nil {
		return err
	}
	return d.pwrite(buf, int64(sector)*SectorSize)
}
