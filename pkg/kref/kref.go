// Package kref implements an intrusive reference count with a one-shot
// release function.
//
// A Ref is embedded in the object it protects. The count starts at 1 when
// the Ref is initialized; every Get must be paired with exactly one Put.
// The release function runs exactly once, synchronously, on the goroutine
// whose Put moved the count from 1 to 0. After that the Ref is dead: Get
// and Put both fail with ErrInvalidHandle.
//
//	type widget struct {
//	    ref kref.Ref
//	}
//
//	w := &widget{}
//	w.ref.Init(func() { fmt.Println("gone") })
//	_ = w.ref.Get()
//	_, _ = w.ref.Put()
//	_, _ = w.ref.Put() // prints "gone"
package kref

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrInvalidHandle is returned when a reference is taken or dropped on
	// a Ref whose count already reached zero.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrLastReference is returned by PutNotLast when the caller would drop
	// the final reference.
	ErrLastReference = errors.New("last reference")
)

// Ref is an atomic reference count. The zero value has a count of zero and
// is therefore dead until Init is called.
type Ref struct {
	count   atomic.Int32
	release func()
}

// Init sets the count to 1 and installs the release function.
// Init must be called before the Ref is shared.
func (r *Ref) Init(release func()) {
	r.release = release
	r.count.Store(1)
}

// Get takes an additional reference.
func (r *Ref) Get() error {
	for {
		c := r.count.Load()
		if c <= 0 {
			return ErrInvalidHandle
		}
		if r.count.CompareAndSwap(c, c+1) {
			return nil
		}
	}
}

// Put drops a reference. When the count reaches zero the release function
// runs before Put returns and released is true.
func (r *Ref) Put() (released bool, err error) {
	for {
		c := r.count.Load()
		if c <= 0 {
			return false, ErrInvalidHandle
		}
		if !r.count.CompareAndSwap(c, c-1) {
			continue
		}
		if c != 1 {
			return false, nil
		}
		if r.release != nil {
			r.release()
		}
		return true, nil
	}
}

// PutNotLast drops a reference unless it is the last one. It never runs the
// release function; use it where the final reference is known to belong to
// someone else.
func (r *Ref) PutNotLast() error {
	for {
		c := r.count.Load()
		if c <= 0 {
			return ErrInvalidHandle
		}
		if c == 1 {
			return ErrLastReference
		}
		if r.count.CompareAndSwap(c, c-1) {
			return nil
		}
	}
}

// Count returns the current count. It is only a snapshot and must not be
// used to decide whether Get will succeed.
func (r *Ref) Count() int32 {
	return r.count.Load()
}
