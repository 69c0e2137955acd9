// Package inode implements the on-disk and in-memory inode layer, per
// spec.md §4.J: fixed-size on-disk inodes addressed through direct,
// indirect, and double-indirect block-index arrays, backed by the
// buffer cache and free-sector map.
package inode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jik8191/gopintos/devices"
	"github.com/jik8191/gopintos/filesys/cache"
	"github.com/jik8191/gopintos/filesys/freemap"
)

// ErrWriteDenied is returned by WriteAt while a deny-write count is
// outstanding (an image of the file is running as an executable).
var ErrWriteDenied = errors.New("inode: write denied")

// ErrStorageExhausted reports the free-map ran out during Create.
// WriteAt never returns this: a StorageExhaustion there is a
// short write, per spec.md §7.
var ErrStorageExhausted = errors.New("inode: free-map exhausted")

// ErrBadMagic reports a sector that does not hold a valid inode.
var ErrBadMagic = errors.New("inode: bad magic number")

// Table is the filesystem's open-inode registry: it deduplicates
// concurrent opens of the same sector onto one in-memory Inode,
// matching the original source's open_inodes list.
type Table struct {
	cache *cache.Cache
	fm    *freemap.Map

	mu   sync.Mutex
	open map[devices.Sector]*Inode
}

// NewTable creates an inode Table over c and fm.
func NewTable(c *cache.Cache, fm *freemap.Map) *Table {
	return &Table{cache: c, fm: fm, open: make(map[devices.Sector]*Inode)}
}

func (t *Table) readDisk(sector devices.Sector) (*onDisk, error) {
	buf := make([]byte, devices.SectorSize)
	if err := t.cache.ReadFull(sector, buf); err != nil {
		return nil, err
	}
	d := unmarshalOnDisk(buf)
	if d.Magic != magic {
		return nil, fmt.Errorf("inode: sector %d: %w", sector, ErrBadMagic)
	}
	return d, nil
}

func (t *Table) writeDisk(sector devices.Sector, d *onDisk) error {
	return t.cache.WriteFull(sector, d.marshal())
}

func (t *Table) readIndexBlock(sector devices.Sector) (*indexBlock, error) {
	buf := make([]byte, devices.SectorSize)
	if err := t.cache.ReadFull(sector, buf); err != nil {
		return nil, err
	}
	return unmarshalIndexBlock(buf), nil
}

func (t *Table) writeIndexBlock(sector devices.Sector, b *indexBlock) error {
	return t.cache.WriteFull(sector, b.marshal())
}

func (t *Table) allocSector() (devices.Sector, error) {
	var s devices.Sector
	if !t.fm.Allocate(1, &s) {
		return 0, ErrStorageExhausted
	}
	var zero [devices.SectorSize]byte
	if err := t.cache.WriteFull(s, zero[:]); err != nil {
		return 0, err
	}
	return s, nil
}

// dataSector resolves data-block index i (0-based, spec.md §4.J's
// "byte offset b maps to the (b/SECTOR_SIZE)-th data block") against
// d, allocating direct/indirect/double-indirect blocks along the way
// when allocate is true. ok is false, with a nil error, when the
// block is simply not yet allocated and allocate was false.
func (t *Table) dataSector(d *onDisk, i int, allocate bool) (devices.Sector, bool, error) {
	switch {
	case i < NumDirect:
		if d.Direct[i] == noSector {
			if !allocate {
				return 0, false, nil
			}
			s, err := t.allocSector()
			if err != nil {
				return 0, false, err
			}
			d.Direct[i] = uint32(s)
		}
		return devices.Sector(d.Direct[i]), true, nil

	case i < NumDirect+NumIndirect*IndexBlockSize:
		j := i - NumDirect
		idx, off := j/IndexBlockSize, j%IndexBlockSize
		if d.Indirect[idx] == noSector {
			if !allocate {
				return 0, false, nil
			}
			s, err := t.allocSector()
			if err != nil {
				return 0, false, err
			}
			if err := t.writeIndexBlock(s, freshIndexBlock()); err != nil {
				return 0, false, err
			}
			d.Indirect[idx] = uint32(s)
		}
		block, err := t.readIndexBlock(devices.Sector(d.Indirect[idx]))
		if err != nil {
			return 0, false, err
		}
		if block.entries[off] == noSector {
			if !allocate {
				return 0, false, nil
			}
			s, err := t.allocSector()
			if err != nil {
				return 0, false, err
			}
			block.entries[off] = uint32(s)
			if err := t.writeIndexBlock(devices.Sector(d.Indirect[idx]), block); err != nil {
				return 0, false, err
			}
		}
		return devices.Sector(block.entries[off]), true, nil

	default:
		j := i - NumDirect - NumIndirect*IndexBlockSize
		first, second := j/IndexBlockSize, j%IndexBlockSize
		if d.DoubleIndirect[0] == noSector {
			if !allocate {
				return 0, false, nil
			}
			s, err := t.allocSector()
			if err != nil {
				return 0, false, err
			}
			if err := t.writeIndexBlock(s, freshIndexBlock()); err != nil {
				return 0, false, err
			}
			d.DoubleIndirect[0] = uint32(s)
		}
		root, err := t.readIndexBlock(devices.Sector(d.DoubleIndirect[0]))
		if err != nil {
			return 0, false, err
		}
		if root.entries[first] == noSector {
			if !allocate {
				return 0, false, nil
			}
			s, err := t.allocSector()
			if err != nil {
				return 0, false, err
			}
			if err := t.writeIndexBlock(s, freshIndexBlock()); err != nil {
				return 0, false, err
			}
			root.entries[first] = uint32(s)
			if err := t.writeIndexBlock(devices.Sector(d.DoubleIndirect[0]), root); err != nil {
				return 0, false, err
			}
		}
		leaf, err := t.readIndexBlock(devices.Sector(root.entries[first]))
		if err != nil {
			return 0, false, err
		}
		if leaf.entries[second] == noSector {
			if !allocate {
				return 0, false, nil
			}
			s, err := t.allocSector()
			if err != nil {
				return 0, false, err
			}
			leaf.entries[second] = uint32(s)
			if err := t.writeIndexBlock(devices.Sector(root.entries[first]), leaf); err != nil {
				return 0, false, err
			}
		}
		return devices.Sector(leaf.entries[second]), true, nil
	}
}

// Create zeroes a fresh on-disk inode at sector, allocating and
// zeroing exactly the data and index blocks needed to reach length
// bytes, per spec.md §4.J's Creation. On any allocation failure
// mid-way the operation aborts; sectors already reserved are not
// unwound, matching the original source.
func (t *Table) Create(sector devices.Sector, length int64, isDir bool) error {
	d := freshOnDisk(isDir)
	want := bytesToSectors(length)
	for i := 0; i < want; i++ {
		if _, _, err := t.dataSector(d, i, true); err != nil {
			return fmt.Errorf("inode: create sector %d: %w", sector, err)
		}
	}
	d.Length = int32(length)
	return t.writeDisk(sector, d)
}

// Open returns the in-memory inode for sector, reading it from disk
// on first use; concurrent Opens of the same sector share one Inode
// and bump its open count, matching the original's open_inodes dedup.
func (t *Table) Open(sector devices.Sector) (*Inode, error) {
	t.mu.Lock()
	if in, ok := t.open[sector]; ok {
		t.mu.Unlock()
		return in.Reopen(), nil
	}
	t.mu.Unlock()

	d, err := t.readDisk(sector)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if in, ok := t.open[sector]; ok {
		return in.Reopen(), nil
	}
	in := &Inode{table: t, sector: sector, disk: *d, openCount: 1}
	t.open[sector] = in
	return in, nil
}

func (t *Table) freeAllBlocks(d *onDisk, self devices.Sector) error {
	for _, s := range d.Direct {
		if s != noSector {
			t.fm.Release(devices.Sector(s), 1)
		}
	}
	for _, idxSec := range d.Indirect {
		if idxSec == noSector {
			continue
		}
		block, err := t.readIndexBlock(devices.Sector(idxSec))
		if err != nil {
			return err
		}
		for _, s := range block.entries {
			if s != noSector {
				t.fm.Release(devices.Sector(s), 1)
			}
		}
		t.fm.Release(devices.Sector(idxSec), 1)
	}
	for _, rootSec := range d.DoubleIndirect {
		if rootSec == noSector {
			continue
		}
		root, err := t.readIndexBlock(devices.Sector(rootSec))
		if err != nil {
			return err
		}
		for _, leafSec := range root.entries {
			if leafSec == noSector {
				continue
			}
			leaf, err := t.readIndexBlock(devices.Sector(leafSec))
			if err != nil {
				return err
			}
			for _, s := range leaf.entries {
				if s != noSector {
					t.fm.Release(devices.Sector(s), 1)
				}
			}
			t.fm.Release(devices.Sector(leafSec), 1)
		}
		t.fm.Release(devices.Sector(rootSec), 1)
	}
	t.fm.Release(self, 1)
	return nil
}

// Inode is the in-memory inode: open count, removed flag, deny-write
// count, and the extension lock, per spec.md §3's Data Model.
type Inode struct {
	table  *Table
	sector devices.Sector

	mu        sync.RWMutex
	disk      onDisk
	openCount int
	removed   bool
	denyWrite int

	extMu sync.Mutex
}

// Reopen bumps the open count on an inode the caller already holds a
// reference to, matching inode_reopen's semantics (no disk re-read).
func (in *Inode) Reopen() *Inode {
	in.mu.Lock()
	in.openCount++
	in.mu.Unlock()
	return in
}

// Sector returns the inode's on-disk sector (its "inumber").
func (in *Inode) Sector() devices.Sector { return in.sector }

// Length returns the file's current length in bytes.
func (in *Inode) Length() int64 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return int64(in.disk.Length)
}

// IsDir reports whether this inode represents a directory.
func (in *Inode) IsDir() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.disk.IsDir
}

// Removed reports whether Remove has been called on this inode.
func (in *Inode) Removed() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.removed
}

// Remove marks the inode for deletion once its open count reaches
// zero (spec.md §4.J's Deletion).
func (in *Inode) Remove() {
	in.mu.Lock()
	in.removed = true
	in.mu.Unlock()
}

// DenyWrite increments the deny-write count, used while an image of
// this file is running as an executable.
func (in *Inode) DenyWrite() {
	in.mu.Lock()
	in.denyWrite++
	in.mu.Unlock()
}

// AllowWrite decrements the deny-write count.
func (in *Inode) AllowWrite() {
	in.mu.Lock()
	in.denyWrite--
	in.mu.Unlock()
}

// Close decrements the open count; at zero, if Remove was called,
// frees every block this inode owns and its own sector.
func (in *Inode) Close() error {
	in.mu.Lock()
	in.openCount--
	shouldFree := in.openCount == 0 && in.removed
	d := in.disk
	in.mu.Unlock()

	if !shouldFree {
		return nil
	}

	in.table.mu.Lock()
	delete(in.table.open, in.sector)
	in.table.mu.Unlock()

	return in.table.freeAllBlocks(&d, in.sector)
}

// ReadAt copies bytes [offset, offset+len(buf)) into buf, clipped to
// the file's current length, per spec.md §4.J's Reading. Bytes within
// length but never written (possible if the on-disk layout evolves to
// allow it) read as zero.
func (in *Inode) ReadAt(buf []byte, offset int64) (int, error) {
	in.mu.RLock()
	length := int64(in.disk.Length)
	in.mu.RUnlock()

	if offset >= length {
		return 0, nil
	}
	if offset+int64(len(buf)) > length {
		buf = buf[:length-offset]
	}

	read := 0
	for read < len(buf) {
		pos := offset + int64(read)
		secIdx := int(pos / devices.SectorSize)
		secOff := int(pos % devices.SectorSize)
		chunk := devices.SectorSize - secOff
		if remain := len(buf) - read; chunk > remain {
			chunk = remain
		}

		in.mu.RLock()
		sector, ok, err := in.table.dataSector(&in.disk, secIdx, false)
		in.mu.RUnlock()
		if err != nil {
			return read, err
		}
		if !ok {
			for i := 0; i < chunk; i++ {
				buf[read+i] = 0
			}
		} else if err := in.table.cache.ReadChunk(sector, buf[read:read+chunk], secOff); err != nil {
			return read, err
		}
		read += chunk
	}
	return read, nil
}

// extend grows the inode to cover byte offset want, allocating data
// and index blocks forward from the current sector count (spec.md
// §4.J's Extension): it takes the extension lock, double-checks under
// it, then allocates. Returns the length actually reached: want,
// unless the free-map ran out first (StorageExhaustion, spec.md §7),
// in which case it is however far allocation got.
func (in *Inode) extend(want int64) int64 {
	in.extMu.Lock()
	defer in.extMu.Unlock()

	in.mu.Lock()
	defer in.mu.Unlock()

	current := int64(in.disk.Length)
	if want <= current {
		return current
	}

	haveSectors := bytesToSectors(current)
	wantSectors := bytesToSectors(want)
	reached := current
	for i := haveSectors; i < wantSectors; i++ {
		if _, _, err := in.table.dataSector(&in.disk, i, true); err != nil {
			break
		}
		reached = int64(i+1) * devices.SectorSize
		if reached > want {
			reached = want
		}
	}
	if reached > current {
		in.disk.Length = int32(reached)
		in.table.writeDisk(in.sector, &in.disk)
	}
	return reached
}

// WriteAt writes buf at offset, extending the file first if
// necessary. On StorageExhaustion during extension it writes as many
// bytes as the free-map could back and returns that shorter count,
// never an error (spec.md §7's "propagates to the user as a write
// that returns fewer bytes than requested").
func (in *Inode) WriteAt(buf []byte, offset int64) (int, error) {
	in.mu.RLock()
	denied := in.denyWrite > 0
	length := int64(in.disk.Length)
	in.mu.RUnlock()
	if denied {
		return 0, ErrWriteDenied
	}

	end := offset + int64(len(buf))
	if end > length {
		reached := in.extend(end)
		if reached < end {
			end = reached
			if end <= offset {
				return 0, nil
			}
			buf = buf[:end-offset]
		}
	}

	written := 0
	for written < len(buf) {
		pos := offset + int64(written)
		secIdx := int(pos / devices.SectorSize)
		secOff := int(pos % devices.SectorSize)
		chunk := devices.SectorSize - secOff
		if remain := len(buf) - written; chunk > remain {
			chunk = remain
		}

		in.mu.RLock()
		sector, ok, err := in.table.dataSector(&in.disk, secIdx, false)
		in.mu.RUnlock()
		if err != nil {
			return written, err
		}
		if !ok {
			break
		}
		if err := in.table.cache.WriteChunk(sector, buf[written:written+chunk], secOff); err != nil {
			return written, err
		}
		written += chunk
	}
	return written, nil
}
