package klog

import "fmt"

// Assert panics with a formatted invariant message if cond is false.
// Used for AssertionViolation-class conditions — broken invariants
// that the original kernel handles with PANIC(): releasing a lock you
// don't hold, a cache entry that is dirty but not valid, a double
// free. These are programming errors, not recoverable runtime
// conditions, so they panic rather than return an error.
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("gopintos: assertion failed: "+format, args...))
	}
}
