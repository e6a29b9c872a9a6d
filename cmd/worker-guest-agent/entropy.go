//go:build linux

package main

import (
	"encoding/binary"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// injectEntropy feeds a host-supplied seed into the guest's entropy pool so
// early-boot jobs don't stall on /dev/random before the kernel has
// collected enough of its own.
func injectEntropy(seed []byte) error {
	if len(seed) == 0 {
		return nil
	}

	// Best effort fallback: mix seed into urandom even if the entropy
	// credit ioctl below is unavailable.
	if err := os.WriteFile("/dev/urandom", seed, 0o000); err != nil {
		_ = err
	}

	f, err := os.OpenFile("/dev/random", os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	// Linux rand_pool_info:
	// struct rand_pool_info { int entropy_count; int buf_size; __u32 buf[0]; };
	payload := make([]byte, 8+len(seed))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(seed)*8))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(len(seed)))
	copy(payload[8:], seed)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.RNDADDENTROPY), uintptr(unsafe.Pointer(&payload[0])))
	if errno != 0 {
		return errno
	}
	return nil
}
