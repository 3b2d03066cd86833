//go:build !windows

// Package dirfd implements POSIX relative directory opening
// (openat-style) and per-entry stat, with reference-counted handle
// lifetime shared across the worker goroutines that descend from a common
// parent directory (spec.md §4.4 step 2, §5 "Shared resources").
//
// Grounded on azcopy's common/parallel.FileSystemCrawler.go (which opens
// with plain os.Open because azcopy never needs relative opens) combined
// with golang.org/x/sys/unix, which is already part of the teacher's
// go.mod, for the Openat/Fstatat primitives spec.md §1 and §6 require and
// the standard library does not expose on its own.
package dirfd

import (
	"os"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var zeroRlimit syscall.Rlimit

// Stat carries the POSIX fields spec.md §6 names as required for
// filtering and inventory keys: device, inode, allocated blocks (512-byte
// units) and hard-link count.
type Stat struct {
	Dev    uint64
	Ino    uint64
	Blocks int64
	Nlink  uint64
	IsDir  bool
}

// Handle is a reference-counted open directory. The first opener holds
// one implicit reference; every additional owner (e.g. a queued
// sub-directory work item) must call Retain, and every owner must call
// Release exactly once. The underlying file descriptor closes when the
// last reference drops.
type Handle struct {
	f    *os.File
	refs int32
}

// OpenRoot opens path absolutely, the way the gatherer must when a work
// item carries no parent handle (spec.md §4.4 step 2). Unlike OpenChild,
// a plain os.Open has no O_DIRECTORY equivalent to enforce at open time,
// so the handle's own StatSelf is used to reject a root that turned out
// not to be a directory (e.g. a caller-submitted path to a plain file).
func OpenRoot(path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	h := &Handle{f: f, refs: 1}
	st, err := h.StatSelf()
	if err != nil {
		h.Release()
		return nil, errors.Wrap(err, "fstat")
	}
	if !st.IsDir {
		h.Release()
		return nil, errors.Errorf("%q is not a directory", path)
	}
	return h, nil
}

// OpenChild opens name relative to h via openat, avoiding re-resolution of
// the full materialised path. h is not consumed or released by this call.
func (h *Handle) OpenChild(name string) (*Handle, error) {
	parentFd := int(h.f.Fd())
	childFd, err := unix.Openat(parentFd, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "openat %q", name)
	}
	f := os.NewFile(uintptr(childFd), name)
	return &Handle{f: f, refs: 1}, nil
}

// Retain adds one more owner to the handle and returns it, for fluent use
// at the point a sub-directory item is enqueued while the opening worker
// keeps using the same handle.
func (h *Handle) Retain() *Handle {
	atomic.AddInt32(&h.refs, 1)
	return h
}

// Release drops one reference. When the last reference drops, the
// underlying file descriptor is closed.
func (h *Handle) Release() {
	if atomic.AddInt32(&h.refs, -1) == 0 {
		_ = h.f.Close()
	}
}

// File returns the underlying *os.File, usable for Readdir/Readdirnames.
func (h *Handle) File() *os.File {
	return h.f
}

// ReadNames lists up to n child names (n<=0 means all remaining),
// matching os.File.Readdirnames semantics used throughout the teacher's
// dirReader implementations.
func (h *Handle) ReadNames(n int) ([]string, error) {
	names, err := h.f.Readdirnames(n)
	if err != nil {
		return names, errors.Wrap(err, "readdir")
	}
	return names, nil
}

// StatChild fetches metadata for name relative to h via fstatat, without
// following a trailing symlink (spec.md classifies symlinks as ordinary
// non-directory entries unless the core is configured otherwise).
func (h *Handle) StatChild(name string) (Stat, error) {
	var raw unix.Stat_t
	parentFd := int(h.f.Fd())
	if err := unix.Fstatat(parentFd, name, &raw, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return Stat{}, errors.Wrapf(err, "fstatat %q", name)
	}
	return fromRaw(raw), nil
}

// RaiseOpenFileLimit raises RLIMIT_NOFILE's soft limit to one below the
// hard limit for this process, the first of spec.md §5's two sanctioned
// EMFILE defenses ("a correct implementation either increases the OS
// limit at startup or detects EMFILE and retries after briefly
// yielding"). It returns the resulting soft limit.
//
// Grounded on azcopy's own main_unix.go ChangeRLimits/cmd/root_unix.go
// processOSSpecificInitialization: both fetch the hard limit, reject a
// reported hard limit of zero, and set Cur to Max-1 (one less than the
// hard limit, since on some platforms raising all the way to Max itself
// fails — see the comment in cmd/root_unix.go). Setrlimit failure is
// treated the same way the teacher treats it: not fatal, the caller
// proceeds with whatever limit is already in effect.
func RaiseOpenFileLimit() (uint64, error) {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, errors.Wrap(err, "getrlimit")
	}
	if rlimit == zeroRlimit {
		return 0, errors.New("hard rlimit is 0 for the process")
	}
	if rlimit.Cur >= rlimit.Max-1 {
		return uint64(rlimit.Cur), nil
	}
	set := rlimit
	set.Cur = set.Max - 1
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &set); err != nil {
		return uint64(rlimit.Cur), errors.Wrap(err, "setrlimit")
	}
	return uint64(set.Cur), nil
}

// StatSelf stats the directory the handle itself refers to.
func (h *Handle) StatSelf() (Stat, error) {
	var raw unix.Stat_t
	if err := unix.Fstat(int(h.f.Fd()), &raw); err != nil {
		return Stat{}, errors.Wrap(err, "fstat")
	}
	return fromRaw(raw), nil
}

func fromRaw(raw unix.Stat_t) Stat {
	return Stat{
		Dev:    uint64(raw.Dev),
		Ino:    raw.Ino,
		Blocks: raw.Blocks,
		Nlink:  uint64(raw.Nlink),
		IsDir:  raw.Mode&syscall.S_IFMT == syscall.S_IFDIR,
	}
}
