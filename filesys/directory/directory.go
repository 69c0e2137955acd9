// Package directory implements the directory layer, per spec.md §4.K:
// a directory is an inode holding a sequence of fixed-size entries,
// searched linearly and addressed by path.
package directory

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/jik8191/gopintos/devices"
	"github.com/jik8191/gopintos/filesys/inode"
)

// NameMax is the longest a single path component may be.
const NameMax = 14

// entrySize is one marshaled dir_entry: 4-byte inode sector, a
// NameMax+1-byte null-terminated name, and a 1-byte in-use flag.
const entrySize = 4 + (NameMax + 1) + 1

var (
	// ErrNotFound reports a lookup/remove for a name not in the directory.
	ErrNotFound = errors.New("directory: not found")
	// ErrExists reports Add for a name already present.
	ErrExists = errors.New("directory: already exists")
	// ErrInvalidName reports an empty name or one longer than NameMax.
	ErrInvalidName = errors.New("directory: invalid name")
	// ErrNotDir reports a non-terminal path component that isn't a directory.
	ErrNotDir = errors.New("directory: not a directory")
)

type dirEntry struct {
	sector devices.Sector
	name   string
	inUse  bool
}

func (e *dirEntry) marshal() []byte {
	buf := make([]byte, entrySize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(e.sector))
	copy(buf[4:4+NameMax+1], e.name) // remaining bytes stay zero, acting as the null terminator
	if e.inUse {
		buf[4+NameMax+1] = 1
	}
	return buf
}

func unmarshalEntry(buf []byte) dirEntry {
	sector := devices.Sector(binary.LittleEndian.Uint32(buf[0:]))
	nameBuf := buf[4 : 4+NameMax+1]
	nul := len(nameBuf)
	for i, b := range nameBuf {
		if b == 0 {
			nul = i
			break
		}
	}
	return dirEntry{
		sector: sector,
		name:   string(nameBuf[:nul]),
		inUse:  buf[4+NameMax+1] != 0,
	}
}

// Dir is an open directory: a reference to its backing inode plus a
// readdir cursor.
type Dir struct {
	inode *inode.Inode
	pos   int64
}

// Create creates a fresh, empty directory inode (spec.md §4.K) with
// room for entryCount entries, at sector.
func Create(tbl *inode.Table, sector devices.Sector, entryCount int) error {
	return tbl.Create(sector, int64(entryCount)*entrySize, true)
}

// Open wraps an already-open directory inode.
func Open(in *inode.Inode) *Dir {
	return &Dir{inode: in}
}

// Reopen returns a new Dir sharing the same backing inode.
func (d *Dir) Reopen() *Dir {
	return &Dir{inode: d.inode.Reopen()}
}

// Close releases the directory's reference to its backing inode.
func (d *Dir) Close() error {
	return d.inode.Close()
}

// Inode returns the directory's backing inode.
func (d *Dir) Inode() *inode.Inode { return d.inode }

func (d *Dir) find(name string) (dirEntry, int64, bool, error) {
	buf := make([]byte, entrySize)
	for ofs := int64(0); ; ofs += entrySize {
		n, err := d.inode.ReadAt(buf, ofs)
		if err != nil {
			return dirEntry{}, 0, false, err
		}
		if n != entrySize {
			return dirEntry{}, 0, false, nil
		}
		e := unmarshalEntry(buf)
		if e.inUse && e.name == name {
			return e, ofs, true, nil
		}
	}
}

// Lookup searches d for name, returning the sector of its inode.
func (d *Dir) Lookup(name string) (devices.Sector, error) {
	e, _, found, err := d.find(name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNotFound
	}
	return e.sector, nil
}

// Add inserts a new entry named name pointing at inodeSector. name
// must not already be present in d.
func (d *Dir) Add(name string, inodeSector devices.Sector) error {
	if name == "" || len(name) > NameMax {
		return ErrInvalidName
	}
	if _, _, found, err := d.find(name); err != nil {
		return err
	} else if found {
		return ErrExists
	}

	// Find a free slot, or the current end of file (original source's
	// dir_add: a short read from inode_read_at signals EOF).
	buf := make([]byte, entrySize)
	ofs := int64(0)
	for {
		n, err := d.inode.ReadAt(buf, ofs)
		if err != nil {
			return err
		}
		if n != entrySize {
			break
		}
		if !unmarshalEntry(buf).inUse {
			break
		}
		ofs += entrySize
	}

	e := dirEntry{sector: inodeSector, name: name, inUse: true}
	n, err := d.inode.WriteAt(e.marshal(), ofs)
	if err != nil {
		return err
	}
	if n != entrySize {
		return errors.New("directory: short write adding entry")
	}
	return nil
}

// Remove erases name's entry from d and marks its inode removed. The
// inode's storage is freed when its last open reference is closed,
// which is the Close at the end of this call if nobody else has the
// inode open.
func (d *Dir) Remove(name string, tbl *inode.Table) error {
	e, ofs, found, err := d.find(name)
	if !found {
		if err != nil {
			return err
		}
		return ErrNotFound
	}

	target, err := tbl.Open(e.sector)
	if err != nil {
		return err
	}

	e.inUse = false
	if n, err := d.inode.WriteAt(e.marshal(), ofs); err != nil {
		target.Close()
		return err
	} else if n != entrySize {
		target.Close()
		return errors.New("directory: short write removing entry")
	}

	target.Remove()
	return target.Close()
}

// Readdir returns the next in-use entry's name, advancing the cursor,
// or ("", false, nil) once exhausted.
func (d *Dir) Readdir() (string, bool, error) {
	buf := make([]byte, entrySize)
	for {
		n, err := d.inode.ReadAt(buf, d.pos)
		if err != nil {
			return "", false, err
		}
		if n != entrySize {
			return "", false, nil
		}
		d.pos += entrySize
		if e := unmarshalEntry(buf); e.inUse {
			return e.name, true, nil
		}
	}
}

// SplitPath implements convert_path: it separates a path's parent
// directory portion from its leaf filename. "" for the parent part
// means "the path as resolved from its starting directory with no
// further descent" (i.e. the leaf lives directly in that directory).
func SplitPath(path string) (dir string, name string) {
	path = strings.TrimRight(path, "/")
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "", path
	}
	return path[:idx+1], path[idx+1:]
}

// Components splits a path on '/', dropping empty segments (so both a
// leading '/' and repeated '/' behave like the original's strtok_r
// loop, which skips empty tokens for free).
func Components(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsAbsolute reports whether path should be resolved from the root
// directory rather than a thread's current working directory.
func IsAbsolute(path string) bool {
	return strings.HasPrefix(path, "/")
}
