package devices

import "golang.org/x/sys/unix"

// pread/pwrite use unix.Pread/Pwrite for positioned, unbuffered sector
// I/O, matching the teacher's loopback_linux.go/loopback_darwin.go
// per-OS split (fuse/loopback_linux.go uses syscall directly; here we
// use the x/sys/unix equivalent, already a teacher dependency via
// fs/loopback_linux.go's unix.Statx/unix.CopyFileRange).
func (d *BlockDevice) pread(buf []byte, off int64) error {
	n, err := unix.Pread(int(d.f.Fd()), buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return shortIOError("read", n, len(buf))
	}
	return nil
}

func (d *BlockDevice) pwrite(buf []byte, off int64) error {
	n, err := unix.Pwrite(int(d.f.Fd()), buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return shortIOError("write", n, len(buf))
	}
	return nil
}
