// kerneld assembles the scheduler, virtual memory, and filesystem
// subsystems into one runnable program, the way example/loopback and
// example/zipfs wire a nodefs.Root into a fuse.Server: parse flags,
// construct the stack bottom-up, start background daemons, spawn an
// initial process, and block until the timer/daemon errgroup returns.
//
// It is not a reimplementation of Pintos's booter or shell (spec.md
// §1's Non-goals exclude both); it exists purely so the core kernel
// packages are exercised by a real binary rather than only by tests.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/jik8191/gopintos/devices"
	"github.com/jik8191/gopintos/filesys"
	"github.com/jik8191/gopintos/klog"
	"github.com/jik8191/gopintos/proc"
	"github.com/jik8191/gopintos/sched"
	"github.com/jik8191/gopintos/sysbound"
	"github.com/jik8191/gopintos/vm/fault"
	"github.com/jik8191/gopintos/vm/frame"
	"github.com/jik8191/gopintos/vm/swap"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetFlags(log.Lmicroseconds)

	fsPath := flag.String("fs-image", "fs.img", "path to the filesystem's backing file")
	fsSectors := flag.Uint("fs-sectors", 8192, "filesystem device size in sectors, when creating a fresh image")
	swapPath := flag.String("swap-image", "swap.img", "path to the swap device's backing file")
	swapSectors := flag.Uint("swap-sectors", 2048, "swap device size in sectors, when creating a fresh image")
	format := flag.Bool("format", false, "reformat the filesystem image before mounting")
	frameCapacity := flag.Int("frames", 256, "number of physical frames available")
	timerHz := flag.Int("timer-hz", sched.TimerFreq, "timer interrupt frequency in Hz (19-1000)")
	mlfq := flag.Bool("mlfq", false, "use the multilevel-feedback-queue scheduling policy instead of round robin")
	userTop := flag.Uint64("user-top", 1<<32, "first address past user space")
	flag.Parse()

	logger := klog.Default()

	fsDev, err := devices.Open(*fsPath, "filesys", devices.Sector(*fsSectors))
	if err != nil {
		log.Fatalf("kerneld: open filesystem device: %v", err)
	}
	defer fsDev.Close()

	swapDev, err := devices.Open(*swapPath, "swap", devices.Sector(*swapSectors))
	if err != nil {
		log.Fatalf("kerneld: open swap device: %v", err)
	}
	defer swapDev.Close()

	fs, err := filesys.Init(fsDev, filesys.Options{Format: *format, Logger: logger})
	if err != nil {
		log.Fatalf("kerneld: mount filesystem: %v", err)
	}
	defer fs.Done()

	sw := swap.New(swapDev, swap.Options{Logger: logger})

	policy := sched.RoundRobin
	if *mlfq {
		policy = sched.MLFQ
	}
	scheduler := sched.New(sched.Options{Policy: policy, Logger: logger})

	// frame.Table and fault.Handler each need a reference to the other
	// (Table evicts through Handler, Handler allocates through Table):
	// build Table first with no Evictor, construct Handler against it,
	// then wire the Evictor back in, per vm/frame.Options.Evictor's doc
	// comment.
	frames := frame.New(frame.Options{Capacity: *frameCapacity, Threads: scheduler, Logger: logger})
	handler := fault.New(fault.Options{
		Frames:     frames,
		Swap:       sw,
		StackFloor: 0,
		UserTop:    *userTop,
		Logger:     logger,
	})
	frames.SetEvictor(handler)

	procs := proc.NewManager(proc.Options{
		Scheduler: scheduler,
		FS:        fs,
		Frames:    frames,
		Faults:    handler,
		Swap:      sw,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	boundary := sysbound.New(sysbound.Options{
		Manager:  procs,
		UserTop:  *userTop,
		Programs: map[string]sysbound.Program{},
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Shutdown: stop,
		Logger:   logger,
	})

	timer, err := devices.NewTimer(scheduler, devices.TimerOptions{FreqHz: *timerHz})
	if err != nil {
		log.Fatalf("kerneld: %v", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return timer.Run(ctx) })
	g.Go(func() error { return fs.RunDaemons(ctx) })

	procs.Spawn(nil, "init", sched.PriMax/2, func(p *proc.Process) int {
		logger.Printf("kerneld: init process %d running", p.TID())
		if errno := boundary.Create(p, "welcome.txt", 0); errno != 0 {
			logger.Printf("kerneld: create welcome.txt: errno %v", errno)
		} else if fd, errno := boundary.Open(p, "welcome.txt"); errno != 0 {
			logger.Printf("kerneld: open welcome.txt: errno %v", errno)
		} else {
			boundary.Write(p, fd, 0x1000, []byte("gopintos booted\n"))
			boundary.Close(p, fd)
		}
		<-ctx.Done()
		return 0
	})

	logger.Println("kerneld: running, press Ctrl-C to halt")
	<-ctx.Done()
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: %v\n", err)
		os.Exit(1)
	}
}
