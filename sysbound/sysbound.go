// Package sysbound is the system-call boundary, per spec.md §4.M: it
// validates every user-supplied pointer and size before a syscall
// touches it, and translates every internal package error into a
// syscall.Errno the way the teacher's fs package requires node methods
// to "use the syscall.Errno type" (fs/api.go) — 0 means success.
//
// This kernel never loads a real user binary (spec.md §1's Non-goals
// exclude user test programs), so there is no simulated user address
// space with byte-addressable backing outside a process's stack and
// mmap'd regions. Pointer validation here is therefore the address-
// range bound check spec.md §7 names as FaultyUserArgument's central
// case ("address outside user space"), not a full per-byte page-table
// walk — see DESIGN.md. Every exported method expects to run on the
// goroutine of the Process it is given, exactly as a real syscall
// handler runs on the trapping thread's own stack; a validation
// failure terminates that process by calling proc.Exit directly,
// unwinding to runEntry's recover the same way exit() never returns
// to its caller.
package sysbound

import (
	"errors"
	"io"
	"strings"
	"syscall"

	"github.com/jik8191/gopintos/devices"
	"github.com/jik8191/gopintos/filesys/directory"
	"github.com/jik8191/gopintos/filesys/inode"
	"github.com/jik8191/gopintos/klog"
	"github.com/jik8191/gopintos/proc"
	"github.com/jik8191/gopintos/sched"
)

// defaultPriority is the priority a spawned program runs at absent any
// scheduling hint in its cmdline, matching the original source's
// PRI_DEFAULT used by process_execute.
const defaultPriority = sched.PriMax / 2

// Program is an entry point exec can start a new process running,
// standing in for a loaded executable's start address (see the package
// doc comment: this kernel never loads real binaries).
type Program func(p *proc.Process) int

// Boundary is the syscall dispatch surface: one per kernel instance,
// wired to the process manager and an optional console and program
// table.
type Boundary struct {
	mgr      *proc.Manager
	userTop  uint64
	nameMax  int
	programs map[string]Program
	stdin    io.Reader
	stdout   io.Writer
	shutdown func()
	log      klog.Logger
}

// Options configures a Boundary.
type Options struct {
	Manager *proc.Manager
	// UserTop is the first address past user space ([0, UserTop)),
	// matching vm/fault.Options.UserTop.
	UserTop uint64
	// NameMax bounds a single path component's length; defaults to
	// directory.NameMax.
	NameMax int
	// Programs maps a cmdline's first token to the code Exec should run.
	Programs map[string]Program
	// Stdin/Stdout back file descriptors 0 and 1. Both default to a
	// discarding/empty implementation if left nil.
	Stdin  io.Reader
	Stdout io.Writer
	// Shutdown is invoked by Halt. Left nil, Halt is a no-op.
	Shutdown func()
	Logger   klog.Logger
}

// New creates a Boundary. Manager and a positive UserTop are required.
func New(opts Options) *Boundary {
	klog.Assert(opts.Manager != nil, "sysbound: Manager is required")
	klog.Assert(opts.UserTop > 0, "sysbound: UserTop must be positive, got %d", opts.UserTop)
	nameMax := opts.NameMax
	if nameMax == 0 {
		nameMax = directory.NameMax
	}
	stdin := opts.Stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	programs := opts.Programs
	if programs == nil {
		programs = make(map[string]Program)
	}
	return &Boundary{
		mgr:      opts.Manager,
		userTop:  opts.UserTop,
		nameMax:  nameMax,
		programs: programs,
		stdin:    stdin,
		stdout:   stdout,
		shutdown: opts.Shutdown,
		log:      klog.OrNop(opts.Logger),
	}
}

// checkBuffer reports whether [addr, addr+size) lies entirely within
// user space, per spec.md §4.M. A negative size is always rejected
// (spec.md §7's "negative size" FaultyUserArgument case).
func (b *Boundary) checkBuffer(addr uint64, size int64) bool {
	if size < 0 {
		return false
	}
	end := addr + uint64(size)
	if end < addr {
		return false // overflow
	}
	return addr < b.userTop && end <= b.userTop
}

// checkName reports whether name is a legal path component: non-empty
// and no longer than NameMax, spec.md §7's "oversized name"/"empty
// name on create" FaultyUserArgument cases.
func (b *Boundary) checkName(name string) bool {
	return name != "" && len(name) <= b.nameMax
}

// kill terminates p with status -1 after logging its name, matching
// spec.md §7's FaultyUserArgument policy. It never returns.
func (b *Boundary) kill(p *proc.Process, reason string) {
	b.log.Printf("sysbound: %s: %s, terminating", p.Name(), reason)
	proc.Exit(-1)
}

// errnoTable maps internal sentinel errors to syscall.Errno, checked
// with errors.Is so wrapped errors (fmt.Errorf("...: %w", sentinel))
// still match.
var errnoTable = []struct {
	err   error
	errno syscall.Errno
}{
	{directory.ErrNotFound, syscall.ENOENT},
	{directory.ErrExists, syscall.EEXIST},
	{directory.ErrNotDir, syscall.ENOTDIR},
	{directory.ErrInvalidName, syscall.EINVAL},
	{inode.ErrWriteDenied, syscall.ETXTBSY},
	{inode.ErrStorageExhausted, syscall.ENOSPC},
	{inode.ErrBadMagic, syscall.EIO},
	{proc.ErrNoFD, syscall.EBADF},
	{proc.ErrIsDir, syscall.EISDIR},
	{proc.ErrNotDirFD, syscall.ENOTDIR},
	{proc.ErrNotAChild, syscall.ECHILD},
	{proc.ErrAlreadyWaited, syscall.ECHILD},
	{proc.ErrBadMapping, syscall.EINVAL},
	{proc.ErrOverlap, syscall.EINVAL},
	{proc.ErrNoMapping, syscall.EINVAL},
}

// translate converts an internal error into the syscall.Errno sysbound
// hands back across the boundary, per spec.md §4's error-handling
// tier split. Unrecognized errors fall back to EIO rather than leaking
// an internal error value past the boundary.
func translate(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return syscall.EIO
}

// Halt shuts the kernel down, if a Shutdown hook was configured.
func (b *Boundary) Halt() {
	if b.shutdown != nil {
		b.shutdown()
	}
}

// Exit terminates p with status. It never returns.
func (b *Boundary) Exit(p *proc.Process, status int) {
	proc.Exit(status)
}

// Exec starts cmdline's first token as a new child process of p,
// returning its tid (usable as a wait() pid) or ENOENT if no such
// program is registered. Unlike a real exec, this never fails with
// "couldn't load executable" since no binary is ever loaded — see the
// package doc comment.
func (b *Boundary) Exec(p *proc.Process, cmdline string) (sched.TID, syscall.Errno) {
	name, _, _ := strings.Cut(strings.TrimSpace(cmdline), " ")
	prog, ok := b.programs[name]
	if !ok {
		return 0, syscall.ENOENT
	}
	return b.mgr.Spawn(p, name, defaultPriority, prog), 0
}

// Wait blocks for childTID's exit status.
func (b *Boundary) Wait(p *proc.Process, childTID sched.TID) (int, syscall.Errno) {
	status, err := p.Wait(childTID)
	return status, translate(err)
}

// Create makes a new, empty file named name of the given initial size.
func (b *Boundary) Create(p *proc.Process, name string, size int64) syscall.Errno {
	if !b.checkName(name) {
		b.kill(p, "create: invalid name")
	}
	if size < 0 {
		b.kill(p, "create: negative size")
	}
	return translate(p.Create(name, size))
}

// Remove unlinks name.
func (b *Boundary) Remove(p *proc.Process, name string) syscall.Errno {
	if !b.checkName(name) {
		b.kill(p, "remove: invalid name")
	}
	return translate(p.Remove(name))
}

// Open opens name, returning its fresh file descriptor.
func (b *Boundary) Open(p *proc.Process, name string) (int, syscall.Errno) {
	if !b.checkName(name) {
		b.kill(p, "open: invalid name")
	}
	fd, err := p.Open(name)
	return fd, translate(err)
}

// Filesize returns fd's length in bytes.
func (b *Boundary) Filesize(p *proc.Process, fd int) (int64, syscall.Errno) {
	n, err := p.Filesize(fd)
	return n, translate(err)
}

// Read reads up to n bytes from fd at its current position into a
// buffer at addr, returning the number of bytes actually read. fd 0
// returns what a single Read of the console input yields, up to n
// bytes, without waiting for a full line. An unmapped or negative
// buffer terminates the process.
func (b *Boundary) Read(p *proc.Process, fd int, addr uint64, n int) ([]byte, syscall.Errno) {
	if !b.checkBuffer(addr, int64(n)) {
		b.kill(p, "read: invalid buffer")
	}
	if fd == 0 {
		buf := make([]byte, n)
		read, err := b.stdin.Read(buf)
		if err != nil && err != io.EOF {
			return nil, syscall.EIO
		}
		return buf[:read], 0
	}
	buf := make([]byte, n)
	read, err := p.Read(fd, buf)
	return buf[:read], translate(err)
}

// Write writes buf, the contents of the user buffer at addr, to fd at
// its current position, after checking that [addr, addr+len(buf)) lies
// in user space. fd 1 writes to the console.
func (b *Boundary) Write(p *proc.Process, fd int, addr uint64, buf []byte) (int, syscall.Errno) {
	if !b.checkBuffer(addr, int64(len(buf))) {
		b.kill(p, "write: invalid buffer")
	}
	if fd == 1 {
		n, err := b.stdout.Write(buf)
		if err != nil {
			return n, syscall.EIO
		}
		return n, 0
	}
	n, err := p.Write(fd, buf)
	return n, translate(err)
}

// Seek moves fd's position to pos.
func (b *Boundary) Seek(p *proc.Process, fd int, pos int64) syscall.Errno {
	if pos < 0 {
		b.kill(p, "seek: negative position")
	}
	return translate(p.Seek(fd, pos))
}

// Tell returns fd's current position.
func (b *Boundary) Tell(p *proc.Process, fd int) (int64, syscall.Errno) {
	pos, err := p.Tell(fd)
	return pos, translate(err)
}

// Close releases fd.
func (b *Boundary) Close(p *proc.Process, fd int) syscall.Errno {
	return translate(p.Close(fd))
}

// Mmap maps fd's contents into p's address space starting at addr.
func (b *Boundary) Mmap(p *proc.Process, fd int, addr uint64) (int, syscall.Errno) {
	if addr == 0 || addr >= b.userTop {
		b.kill(p, "mmap: invalid address")
	}
	id, err := p.Mmap(fd, addr)
	return id, translate(err)
}

// Munmap tears down mapping id.
func (b *Boundary) Munmap(p *proc.Process, id int) syscall.Errno {
	return translate(p.Munmap(id))
}

// Chdir changes p's working directory to path.
func (b *Boundary) Chdir(p *proc.Process, path string) syscall.Errno {
	if path == "" {
		b.kill(p, "chdir: invalid path")
	}
	return translate(p.Chdir(path))
}

// Mkdir creates a new, empty directory at path.
func (b *Boundary) Mkdir(p *proc.Process, path string) syscall.Errno {
	if path == "" {
		b.kill(p, "mkdir: invalid path")
	}
	return translate(p.Mkdir(path))
}

// Readdir returns fd's next directory entry name, or ok=false once exhausted.
func (b *Boundary) Readdir(p *proc.Process, fd int) (string, bool, syscall.Errno) {
	name, ok, err := p.Readdir(fd)
	return name, ok, translate(err)
}

// Isdir reports whether fd refers to a directory.
func (b *Boundary) Isdir(p *proc.Process, fd int) (bool, syscall.Errno) {
	isDir, err := p.IsDir(fd)
	return isDir, translate(err)
}

// Inumber returns fd's inode number.
func (b *Boundary) Inumber(p *proc.Process, fd int) (devices.Sector, syscall.Errno) {
	n, err := p.Inumber(fd)
	return n, translate(err)
}
