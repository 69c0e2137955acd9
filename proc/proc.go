// Package proc glues a scheduler thread to the per-process resources a
// running program owns beyond scheduling: a working directory, a file
// descriptor table starting at 2, memory mappings, and the
// parent/child exit-status bookkeeping that sched leaves to a layer
// above it (see sched.Scheduler's exit doc comment). sysbound is the only intended caller of
// most of this package's exported surface; Process methods return
// plain Go errors, translated to syscall.Errno at that boundary.
package proc

import (
	"errors"
	"sync"

	"github.com/jik8191/gopintos/devices"
	"github.com/jik8191/gopintos/filesys"
	"github.com/jik8191/gopintos/filesys/directory"
	"github.com/jik8191/gopintos/filesys/inode"
	"github.com/jik8191/gopintos/klog"
	"github.com/jik8191/gopintos/sched"
	"github.com/jik8191/gopintos/vm"
	"github.com/jik8191/gopintos/vm/fault"
	"github.com/jik8191/gopintos/vm/frame"
	"github.com/jik8191/gopintos/vm/spt"
	"github.com/jik8191/gopintos/vm/swap"
)

var (
	// ErrNoFD reports a file descriptor with no open handle.
	ErrNoFD = errors.New("proc: no such file descriptor")
	// ErrIsDir reports read/write against a directory's fd.
	ErrIsDir = errors.New("proc: is a directory")
	// ErrNotDirFD reports readdir against a non-directory fd.
	ErrNotDirFD = errors.New("proc: not a directory")
	// ErrNotAChild reports wait(pid) for a pid the caller never spawned.
	ErrNotAChild = errors.New("proc: not a child of the calling process")
	// ErrAlreadyWaited reports a second wait(pid) for the same child.
	ErrAlreadyWaited = errors.New("proc: already waited for this child")
	// ErrBadMapping reports invalid mmap arguments (zero-length file,
	// directory fd, misaligned address).
	ErrBadMapping = errors.New("proc: invalid mapping")
	// ErrOverlap reports an mmap whose pages would collide with an
	// existing mapping or other SPTE.
	ErrOverlap = errors.New("proc: mapping overlaps existing pages")
	// ErrNoMapping reports munmap(id) for an id this process never
	// returned from mmap, or already unmapped.
	ErrNoMapping = errors.New("proc: no such mapping")
)

// firstUserFD is the first file descriptor issued to an open call; 0
// and 1 are reserved for console input/output, per spec.md §6.
const firstUserFD = 2

// ExitSignal is panicked by Exit to unwind a running process's entry
// function from anywhere in its call stack, the same way a real
// process's exit() syscall never returns to its caller. Manager is the
// only recoverer — see runEntry.
type ExitSignal struct{ Status int }

// Exit triggers immediate process termination with the given status.
// It never returns.
func Exit(status int) {
	panic(ExitSignal{Status: status})
}

type fileHandle struct {
	in  *inode.Inode
	dir *directory.Dir // non-nil iff in.IsDir(); shares in, not a separate reference
}

type mapping struct {
	startPage vm.Page
	numPages  int
	in        *inode.Inode
}

// childInfo is the shared record a parent consults to wait for a
// child's exit status, keyed by the child's tid in Manager.infos and
// surviving independently of the *Process itself (which is torn down
// and forgotten as soon as the child finishes), matching the original
// source's heap-allocated, refcounted child-info struct.
type childInfo struct {
	mu         sync.Mutex
	parent     sched.TID
	exited     bool
	exitStatus int
	waited     bool
	waitSema   *sched.Semaphore
}

// Process is one running program's resources: its scheduler thread,
// working directory, file descriptor table, and memory mappings.
type Process struct {
	tid    sched.TID
	name   string
	thread *sched.Thread
	mgr    *Manager

	mu        sync.Mutex
	cwd       *directory.Dir
	fds       map[int]*fileHandle
	nextFD    int
	positions map[int]int64
	mappings  map[int]*mapping
	nextMapID int
	children  []sched.TID
}

// TID returns the process's scheduler thread id.
func (p *Process) TID() sched.TID { return p.tid }

// Name returns the process's name (argv[0] of its cmdline, by convention).
func (p *Process) Name() string { return p.name }

// Manager wires a scheduler, filesystem, frame table, fault handler,
// and swap area into runnable processes.
type Manager struct {
	sched  *sched.Scheduler
	fs     *filesys.FileSystem
	frames *frame.Table
	faults *fault.Handler
	sw     *swap.Swap
	log    klog.Logger

	mu    sync.Mutex
	procs map[sched.TID]*Process
	infos map[sched.TID]*childInfo
}

// Options configures a Manager. All fields are required.
type Options struct {
	Scheduler *sched.Scheduler
	FS        *filesys.FileSystem
	Frames    *frame.Table
	Faults    *fault.Handler
	Swap      *swap.Swap
	Logger    klog.Logger
}

// NewManager creates a Manager over an already-constructed scheduler,
// filesystem, frame table, fault handler, and swap area.
func NewManager(opts Options) *Manager {
	klog.Assert(opts.Scheduler != nil && opts.FS != nil && opts.Frames != nil && opts.Faults != nil && opts.Swap != nil,
		"proc: Scheduler, FS, Frames, Faults, and Swap are all required")
	return &Manager{
		sched:  opts.Scheduler,
		fs:     opts.FS,
		frames: opts.Frames,
		faults: opts.Faults,
		sw:     opts.Swap,
		log:    klog.OrNop(opts.Logger),
		procs:  make(map[sched.TID]*Process),
		infos:  make(map[sched.TID]*childInfo),
	}
}

// Spawn creates a new process running entry as a child of parent (nil
// for the first, "init"-equivalent process). entry stands in for a
// loaded executable's entry point: loading and relocating a user
// binary from disk is out of scope (spec.md §1's Non-goals exclude
// user test programs), so the kernel's job here ends at handing entry
// a fully-resourced Process and reclaiming everything it touched once
// entry returns or calls Exit. Spawn returns the child's tid, usable
// as a wait() argument.
func (m *Manager) Spawn(parent *Process, name string, prio int, entry func(p *Process) int) sched.TID {
	var self *sched.Thread
	var parentTID sched.TID
	if parent != nil {
		self = parent.thread
		parentTID = parent.tid
	}

	info := &childInfo{parent: parentTID, waitSema: m.sched.NewSemaphore(0)}

	t := m.sched.Spawn(self, name, prio, func(t *sched.Thread) {
		p := m.register(t, name, parent)
		status := m.runEntry(p, entry)
		m.finish(p, info, status)
	})

	// The child can be dispatched, and can even finish, inside the call
	// above if it outranks self (see sched.Spawn's doc comment). That is
	// harmless: finish receives info through the closure rather than
	// looking it up, and only Wait reads m.infos, which the parent cannot
	// call for this child before Spawn has returned its tid.
	m.mu.Lock()
	m.infos[t.ID()] = info
	m.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, t.ID())
		parent.mu.Unlock()
	}
	return t.ID()
}

func (m *Manager) register(t *sched.Thread, name string, parent *Process) *Process {
	p := &Process{
		tid:      t.ID(),
		name:     name,
		thread:   t,
		mgr:      m,
		fds:      make(map[int]*fileHandle),
		nextFD:   firstUserFD,
		mappings: make(map[int]*mapping),
		nextMapID: 1,
	}
	if parent != nil {
		parent.mu.Lock()
		p.cwd = parent.cwd.Reopen()
		parent.mu.Unlock()
	} else {
		root, err := m.fs.OpenRootDir()
		klog.Assert(err == nil, "proc: open root directory for initial process: %v", err)
		p.cwd = root
	}

	m.mu.Lock()
	m.procs[t.ID()] = p
	m.mu.Unlock()
	return p
}

// runEntry invokes entry, converting an Exit panic into its status
// exactly as if entry had returned that value normally.
func (m *Manager) runEntry(p *Process, entry func(*Process) int) (status int) {
	defer func() {
		if r := recover(); r != nil {
			sig, ok := r.(ExitSignal)
			if !ok {
				panic(r)
			}
			status = sig.Status
		}
	}()
	return entry(p)
}

// finish reclaims every resource p holds: writes back and tears down
// its memory mappings, closes its remaining file descriptors and
// working directory, destroys its supplemental page table (freeing any
// swap slots it still owns), and frees every physical frame it still
// holds — an immediate, explicit reclamation rather than the "freed
// lazily by the evictor" deferral spec.md §5 describes for a real
// kernel's teardown of a destroyed page directory (see DESIGN.md: here
// nothing depends on the delay, so doing it eagerly avoids leaving
// dead frames parked forever behind frame.Table's dying-owner skip).
// It then records the exit status and wakes the parent's wait call.
func (m *Manager) finish(p *Process, info *childInfo, status int) {
	p.mu.Lock()
	mappings := p.mappings
	p.mappings = nil
	fds := p.fds
	p.fds = nil
	cwd := p.cwd
	p.cwd = nil
	p.mu.Unlock()

	for id, mp := range mappings {
		if err := m.writebackMapping(p, mp); err != nil {
			m.log.Printf("proc: process %d (%s): writeback of mapping %d failed: %v", p.tid, p.name, id, err)
		}
	}
	for _, h := range fds {
		h.in.Close()
	}
	if cwd != nil {
		cwd.Close()
	}

	m.faults.DestroyThread(p.tid)
	m.frames.FreeAll(p.tid)

	info.mu.Lock()
	info.exited = true
	info.exitStatus = status
	info.mu.Unlock()
	info.waitSema.Up(p.thread, false)

	m.mu.Lock()
	delete(m.procs, p.tid)
	m.mu.Unlock()
}

// Wait blocks until childTID exits (or returns immediately if it
// already has), returning its exit status. Only the direct spawner of
// childTID may wait for it, and only once, matching spec.md §7's
// LogicalConflict policy ("wait on non-child": return a failure
// sentinel, do not terminate).
func (p *Process) Wait(childTID sched.TID) (int, error) {
	p.mu.Lock()
	isChild := false
	for _, c := range p.children {
		if c == childTID {
			isChild = true
			break
		}
	}
	p.mu.Unlock()
	if !isChild {
		return -1, ErrNotAChild
	}

	m := p.mgr
	m.mu.Lock()
	info, ok := m.infos[childTID]
	m.mu.Unlock()
	if !ok {
		// p spawned childTID, so a missing record was consumed by an
		// earlier Wait.
		return -1, ErrAlreadyWaited
	}

	info.mu.Lock()
	if info.waited {
		info.mu.Unlock()
		return -1, ErrAlreadyWaited
	}
	info.waited = true
	info.mu.Unlock()

	info.waitSema.Down(p.thread)

	info.mu.Lock()
	status := info.exitStatus
	info.mu.Unlock()

	m.mu.Lock()
	delete(m.infos, childTID)
	m.mu.Unlock()
	return status, nil
}

func (p *Process) allocFD(h *fileHandle) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := p.nextFD
	p.nextFD++
	p.fds[fd] = h
	return fd
}

func (p *Process) handle(fd int) (*fileHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.fds[fd]
	return h, ok
}

// Open resolves path against p's working directory and assigns it a
// fresh file descriptor.
func (p *Process) Open(path string) (int, error) {
	p.mu.Lock()
	cwd := p.cwd
	p.mu.Unlock()

	in, err := p.mgr.fs.Resolve(cwd, path)
	if err != nil {
		return 0, err
	}
	h := &fileHandle{in: in}
	if in.IsDir() {
		h.dir = directory.Open(in)
	}
	return p.allocFD(h), nil
}

// Close releases fd.
func (p *Process) Close(fd int) error {
	p.mu.Lock()
	h, ok := p.fds[fd]
	if ok {
		delete(p.fds, fd)
	}
	p.mu.Unlock()
	if !ok {
		return ErrNoFD
	}
	return h.in.Close()
}

// Filesize returns fd's current length in bytes.
func (p *Process) Filesize(fd int) (int64, error) {
	h, ok := p.handle(fd)
	if !ok {
		return 0, ErrNoFD
	}
	return h.in.Length(), nil
}

// Read copies up to len(buf) bytes from fd at its current position,
// advancing it by the number read.
func (p *Process) Read(fd int, buf []byte) (int, error) {
	h, ok := p.handle(fd)
	if !ok {
		return 0, ErrNoFD
	}
	if h.in.IsDir() {
		return 0, ErrIsDir
	}
	pos := p.fdPos(fd)
	n, err := h.in.ReadAt(buf, pos)
	p.advanceFD(fd, int64(n))
	return n, err
}

// Write writes buf to fd at its current position, extending the file
// if necessary, advancing the position by the number written.
func (p *Process) Write(fd int, buf []byte) (int, error) {
	h, ok := p.handle(fd)
	if !ok {
		return 0, ErrNoFD
	}
	if h.in.IsDir() {
		return 0, ErrIsDir
	}
	pos := p.fdPos(fd)
	n, err := h.in.WriteAt(buf, pos)
	p.advanceFD(fd, int64(n))
	return n, err
}

// fdPos returns fd's seek position. Positions are tracked per
// descriptor outside fileHandle so Seek/Tell can be implemented without
// a dedicated type switch; see posTable.
func (p *Process) fdPos(fd int) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.posTable()[fd]
}

func (p *Process) advanceFD(fd int, n int64) {
	if n == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posTable()[fd] += n
}

// posTable lazily creates the per-process fd-position map on first use.
// Declared as a method rather than a struct field initialized in
// register to keep fileHandle itself free of a position field shared
// incorrectly across dup'd descriptors (this kernel has no dup2, so
// the distinction is moot today, but keeping position per-fd rather
// than per-inode matches POSIX seek semantics if dup is ever added).
func (p *Process) posTable() map[int]int64 {
	if p.positions == nil {
		p.positions = make(map[int]int64)
	}
	return p.positions
}

// Seek moves fd's position to pos.
func (p *Process) Seek(fd int, pos int64) error {
	if _, ok := p.handle(fd); !ok {
		return ErrNoFD
	}
	if pos < 0 {
		pos = 0
	}
	p.mu.Lock()
	p.posTable()[fd] = pos
	p.mu.Unlock()
	return nil
}

// Tell returns fd's current position.
func (p *Process) Tell(fd int) (int64, error) {
	if _, ok := p.handle(fd); !ok {
		return 0, ErrNoFD
	}
	return p.fdPos(fd), nil
}

// Create makes a new file named path (relative to p's cwd unless
// absolute), of the given initial size.
func (p *Process) Create(path string, size int64) error {
	p.mu.Lock()
	cwd := p.cwd
	p.mu.Unlock()
	return p.mgr.fs.Create(cwd, path, size, false)
}

// Remove unlinks path.
func (p *Process) Remove(path string) error {
	p.mu.Lock()
	cwd := p.cwd
	p.mu.Unlock()
	return p.mgr.fs.Remove(cwd, path)
}

// Mkdir creates a new, empty directory at path.
func (p *Process) Mkdir(path string) error {
	p.mu.Lock()
	cwd := p.cwd
	p.mu.Unlock()
	return p.mgr.fs.Create(cwd, path, 0, true)
}

// Chdir changes p's working directory to path.
func (p *Process) Chdir(path string) error {
	p.mu.Lock()
	cwd := p.cwd
	p.mu.Unlock()
	next, err := p.mgr.fs.ResolveDir(cwd, path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	old := p.cwd
	p.cwd = next
	p.mu.Unlock()
	return old.Close()
}

// Readdir returns fd's next entry name, or ok=false once exhausted.
func (p *Process) Readdir(fd int) (name string, ok bool, err error) {
	h, found := p.handle(fd)
	if !found {
		return "", false, ErrNoFD
	}
	if h.dir == nil {
		return "", false, ErrNotDirFD
	}
	return h.dir.Readdir()
}

// IsDir reports whether fd refers to a directory.
func (p *Process) IsDir(fd int) (bool, error) {
	h, ok := p.handle(fd)
	if !ok {
		return false, ErrNoFD
	}
	return h.in.IsDir(), nil
}

// Inumber returns fd's underlying inode sector, used as its inode
// number.
func (p *Process) Inumber(fd int) (devices.Sector, error) {
	h, ok := p.handle(fd)
	if !ok {
		return 0, ErrNoFD
	}
	return h.in.Sector(), nil
}

// Mmap maps fd's entire contents into p's address space starting at
// the page-aligned address addr, installing one spt.Mmap entry per
// page. The mapping keeps its own reference to the underlying inode,
// independent of fd's lifetime (closing fd does not tear down the
// mapping, matching Pintos's mmap semantics).
func (p *Process) Mmap(fd int, addr uint64) (int, error) {
	h, ok := p.handle(fd)
	if !ok {
		return 0, ErrNoFD
	}
	if h.in.IsDir() {
		return 0, ErrBadMapping
	}
	if addr == 0 || addr%vm.PageSize != 0 {
		return 0, ErrBadMapping
	}
	length := h.in.Length()
	if length == 0 {
		return 0, ErrBadMapping
	}

	numPages := int((length + vm.PageSize - 1) / vm.PageSize)
	table := p.mgr.faults.SPTFor(p.tid)
	for i := 0; i < numPages; i++ {
		page := vm.Page(addr) + vm.Page(i*vm.PageSize)
		if _, exists := table.Lookup(page); exists {
			return 0, ErrOverlap
		}
	}

	in := h.in.Reopen()
	for i := 0; i < numPages; i++ {
		page := vm.Page(addr) + vm.Page(i*vm.PageSize)
		readBytes := vm.PageSize
		if i == numPages-1 {
			if rem := int(length % vm.PageSize); rem != 0 {
				readBytes = rem
			}
		}
		table.Insert(page, &spt.Entry{
			Kind:       spt.Mmap,
			File:       in,
			FileOffset: int64(i) * vm.PageSize,
			ReadBytes:  readBytes,
			ZeroBytes:  vm.PageSize - readBytes,
			Writable:   true,
			SwapSlot:   spt.NoSwap,
		})
	}

	p.mu.Lock()
	id := p.nextMapID
	p.nextMapID++
	p.mappings[id] = &mapping{startPage: vm.Page(addr), numPages: numPages, in: in}
	p.mu.Unlock()
	return id, nil
}

// Munmap tears down mapping id: for every page still resident it
// forces a writeback through the fault handler's Mmap replace path,
// then removes the SPTE and releases the mapping's own inode
// reference.
func (p *Process) Munmap(id int) error {
	p.mu.Lock()
	mp, ok := p.mappings[id]
	if ok {
		delete(p.mappings, id)
	}
	p.mu.Unlock()
	if !ok {
		return ErrNoMapping
	}
	return p.mgr.writebackMapping(p, mp)
}

func (m *Manager) writebackMapping(p *Process, mp *mapping) error {
	table := m.faults.SPTFor(p.tid)
	for i := 0; i < mp.numPages; i++ {
		page := mp.startPage + vm.Page(i*vm.PageSize)
		if f, present := m.frames.Find(p.tid, page); present {
			if _, err := m.frames.Evict(f); err != nil {
				return err
			}
		}
		table.Remove(page, m.sw)
	}
	return mp.in.Close()
}
