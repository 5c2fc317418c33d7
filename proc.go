package unialloc

import _ "unsafe"

// Implemented in the runtime. These are the same pin hooks sync.Pool
// is built on: procPin disables preemption and returns the id of the
// current P, giving the caller exclusive use of per-P state until
// procUnpin.

//go:linkname runtime_procPin runtime.procPin
func runtime_procPin() int

//go:linkname runtime_procUnpin runtime.procUnpin
func runtime_procUnpin()
