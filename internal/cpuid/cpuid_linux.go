//go:build linux

package cpuid

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Current returns the CPU the calling thread last ran on, via getcpu(2).
// It returns 0 if the call fails.
func Current() int {
	var cpu, node uint32
	_, _, errno := unix.RawSyscall(unix.SYS_GETCPU,
		uintptr(unsafe.Pointer(&cpu)), uintptr(unsafe.Pointer(&node)), 0)
	if errno != 0 {
		return 0
	}
	return int(cpu)
}

// Online returns the number of CPUs the process may run on.
func Online() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 1
	}
	if n := set.Count(); n > 0 {
		return n
	}
	return 1
}
