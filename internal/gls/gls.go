// Package gls gives each goroutine a single ambient slot, the closest Go
// gets to OS thread-local storage. The shield package uses it to reach the
// current transaction context without threading a parameter through every
// call site, per the runtime's ergonomics requirement.
package gls

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

var (
	mu    sync.RWMutex
	slots = make(map[uint64]any)
)

// id extracts the calling goroutine's id from its stack header. This is the
// usual trick for Go goroutine-local storage in the absence of a language
// primitive; it costs one small stack dump per call.
func id() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	gid, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic("gls: unrecognized runtime.Stack header: " + err.Error())
	}
	return gid
}

// Set stores v in the calling goroutine's slot.
func Set(v any) {
	mu.Lock()
	defer mu.Unlock()
	slots[id()] = v
}

// Get returns the calling goroutine's slot value, if any.
func Get() (any, bool) {
	mu.RLock()
	defer mu.RUnlock()
	v, ok := slots[id()]
	return v, ok
}

// Clear removes the calling goroutine's slot.
func Clear() {
	mu.Lock()
	defer mu.Unlock()
	delete(slots, id())
}
