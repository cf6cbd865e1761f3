// Package cpuid reports which CPU the calling OS thread is running on.
// Goroutines migrate freely, so the answer is a hint for picking a local
// pool, never a guarantee.
package cpuid

// Func resolves the current CPU id.
type Func func() int

// Clamp maps a resolved cpu id into [0, n).
func Clamp(cpu, n int) int {
	if n <= 0 || cpu < 0 {
		return 0
	}
	return cpu % n
}
