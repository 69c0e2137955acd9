package inode

import (
	"encoding/binary"

	"github.com/jik8191/gopintos/devices"
)

// Constants from the original source's filesys/inode.h: the test
// suite and on-disk format both assume these exact sizes.
const (
	NumDirect         = 100
	NumIndirect       = 24
	NumDoubleIndirect = 1
	IndexBlockSize    = 128

	magic = 0x494e4f44
)

// noSector marks a direct/indirect/double-indirect slot as
// unallocated. Zero is not used for this, the same lesson as
// vm/spt.NoSwap: sector 0 can be a perfectly legitimate allocated
// sector once the free-map hands it out.
const noSector uint32 = ^uint32(0)

// MaxSectors is the largest sector count one inode can address.
const MaxSectors = NumDirect + NumIndirect*IndexBlockSize + NumDoubleIndirect*IndexBlockSize*IndexBlockSize

// onDisk is the fixed on-disk inode layout (spec.md §6): it must
// marshal to exactly one sector.
type onDisk struct {
	Length         int32
	Direct         [NumDirect]uint32
	Indirect       [NumIndirect]uint32
	DoubleIndirect [NumDoubleIndirect]uint32
	IsDir          bool
	Magic          uint32
}

func freshOnDisk(isDir bool) *onDisk {
	d := &onDisk{IsDir: isDir, Magic: magic}
	for i := range d.Direct {
		d.Direct[i] = noSector
	}
	for i := range d.Indirect {
		d.Indirect[i] = noSector
	}
	for i := range d.DoubleIndirect {
		d.DoubleIndirect[i] = noSector
	}
	return d
}

func (d *onDisk) marshal() []byte {
	buf := make([]byte, devices.SectorSize)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.Length))
	off += 4
	for _, s := range d.Direct {
		binary.LittleEndian.PutUint32(buf[off:], s)
		off += 4
	}
	for _, s := range d.Indirect {
		binary.LittleEndian.PutUint32(buf[off:], s)
		off += 4
	}
	for _, s := range d.DoubleIndirect {
		binary.LittleEndian.PutUint32(buf[off:], s)
		off += 4
	}
	if d.IsDir {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:], d.Magic)
	return buf
}

func unmarshalOnDisk(buf []byte) *onDisk {
	d := &onDisk{}
	off := 0
	d.Length = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := range d.Direct {
		d.Direct[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	for i := range d.Indirect {
		d.Indirect[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	for i := range d.DoubleIndirect {
		d.DoubleIndirect[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	d.IsDir = buf[off] != 0
	off++
	d.Magic = binary.LittleEndian.Uint32(buf[off:])
	return d
}

// indexBlock is one sector holding IndexBlockSize sector indices: an
// indirect block's data sectors, or a level of the double-indirect
// tree.
type indexBlock struct {
	entries [IndexBlockSize]uint32
}

func freshIndexBlock() *indexBlock {
	b := &indexBlock{}
	for i := range b.entries {
		b.entries[i] = noSector
	}
	return b
}

func (b *indexBlock) marshal() []byte {
	buf := make([]byte, devices.SectorSize)
	for i, e := range b.entries {
		binary.LittleEndian.PutUint32(buf[i*4:], e)
	}
	return buf
}

func unmarshalIndexBlock(buf []byte) *indexBlock {
	b := &indexBlock{}
	for i := range b.entries {
		b.entries[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return b
}

func bytesToSectors(n int64) int {
	return int((n + devices.SectorSize - 1) / devices.SectorSize)
}
