//go:build !linux

package cpuid

import "runtime"

// Current always reports CPU 0 where no getcpu equivalent is wired.
func Current() int { return 0 }

// Online returns the number of logical CPUs.
func Online() int { return runtime.NumCPU() }
