// Package fence implements the fence scheduler: asynchronous waiting on
// Linux sync-file file descriptors ("acquire fences"), invoking a callback
// exactly once per completed wait, with cancellation and re-arming.
//
// Each scheduled wait runs on its own goroutine and funnels its result back
// to a single consumer through a buffered channel (a wait whose result does
// not fit blocks on its own goroutine until there is room), mirroring the
// renderer's single-task ownership of GPU state: callbacks only ever run
// from the goroutine that calls RunOne, or Resolve on a Completion taken
// from Results.
package fence

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Handle identifies a scheduled wait task.
type Handle uint64

// Mode selects whether a multi-fd wait completes on the first signalled fd
// (Any) or requires all of them to signal (All).
type Mode int

const (
	Any Mode = iota
	All
)

type callbackSlot struct {
	mu sync.Mutex
	fn func()
}

// take removes and returns the callback, or nil if it was already taken
// (by a prior completion or a cancel).
func (c *callbackSlot) take() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn := c.fn
	c.fn = nil
	return fn
}

type entry struct {
	cancelRead  int
	cancelWrite int
	callback    *callbackSlot
}

func (e *entry) closeCancelPipe() {
	if e.cancelWrite >= 0 {
		unix.Close(e.cancelWrite)
		e.cancelWrite = -1
	}
	if e.cancelRead >= 0 {
		unix.Close(e.cancelRead)
		e.cancelRead = -1
	}
}

// Completion identifies one finished wait, ready to be resolved by Resolve
// (or RunOne, which does both steps together).
type Completion struct {
	handle Handle
	entry  *entry
}

// Scheduler is the renderer's only mechanism for blocking on GPU work; it
// must never be bypassed by a synchronous wait in the render hot path.
type Scheduler struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[Handle]*entry
	results chan Completion
	closed  bool
}

// New returns a ready Scheduler.
func New() *Scheduler {
	return &Scheduler{
		nextID:  1,
		entries: make(map[Handle]*entry),
		results: make(chan Completion, 64),
	}
}

// Results exposes the completion channel directly so a caller running its
// own select loop (as the renderer core does) can wait on it alongside
// other event sources without blocking inside RunOne.
func (s *Scheduler) Results() <-chan Completion {
	return s.results
}

// Resolve finalizes a Completion received from Results: it forgets the
// handle and invokes the callback if it has not already been taken by a
// concurrent Cancel.
func (s *Scheduler) Resolve(c Completion) {
	s.mu.Lock()
	if cur, present := s.entries[c.handle]; present && cur == c.entry {
		delete(s.entries, c.handle)
	}
	s.mu.Unlock()
	if fn := c.entry.callback.take(); fn != nil {
		fn()
	}
}

// Schedule waits on fds (taking ownership of them: they are closed by the
// scheduler once the wait completes or is cancelled) and invokes callback
// exactly once, from RunOne or Resolve, if and only if the wait completes rather than
// being cancelled.
func (s *Scheduler) Schedule(fds []int, mode Mode, callback func()) Handle {
	s.mu.Lock()
	handle := Handle(s.nextID)
	s.nextID++
	e := s.newEntry(callback)
	s.entries[handle] = e
	s.mu.Unlock()

	go s.runWait(handle, fds, mode, e)
	return handle
}

func (s *Scheduler) newEntry(callback func()) *entry {
	r, w, err := pipe()
	if err != nil {
		// No cancellation channel available; the wait can still run to
		// completion, it just cannot be interrupted early.
		r, w = -1, -1
	}
	return &entry{cancelRead: r, cancelWrite: w, callback: &callbackSlot{fn: callback}}
}

// Reschedule atomically replaces the wait set for handle, keeping the same
// callback. Returns false if handle is unknown.
func (s *Scheduler) Reschedule(handle Handle, fds []int, mode Mode) bool {
	s.mu.Lock()
	old, ok := s.entries[handle]
	if !ok {
		s.mu.Unlock()
		return false
	}
	callback := old.callback
	old.closeCancelPipe()
	next := s.newEntry(nil)
	next.callback = callback
	s.entries[handle] = next
	s.mu.Unlock()

	go s.runWait(handle, fds, mode, next)
	return true
}

// Cancel aborts any pending wait for handle; its callback will not fire.
// Returns false if handle is unknown.
func (s *Scheduler) Cancel(handle Handle) bool {
	s.mu.Lock()
	e, ok := s.entries[handle]
	if ok {
		delete(s.entries, handle)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.callback.take()
	e.closeCancelPipe()
	return true
}

// RunOne consumes at most one completion and invokes its callback. It
// returns false only once the scheduler has been shut down via Close.
func (s *Scheduler) RunOne() bool {
	c, ok := <-s.results
	if !ok {
		return false
	}
	s.Resolve(c)
	return true
}

// Close shuts the scheduler down; subsequent RunOne calls return false once
// drained. In-flight waits are left to finish and close their own fds.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.results)
}

func (s *Scheduler) runWait(handle Handle, fds []int, mode Mode, e *entry) {
	ok := waitManyFences(fds, mode, e.cancelRead)
	for _, fd := range fds {
		unix.Close(fd)
	}
	if !ok {
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	defer func() { recover() }() // results may be closed concurrently with Close
	s.results <- Completion{handle: handle, entry: e}
}

func pipe() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// waitManyFences waits for fds to signal per mode, retrying EINTR, and
// returns false (without signalling) if cancelFD becomes readable first.
func waitManyFences(fds []int, mode Mode, cancelFD int) bool {
	if len(fds) == 0 {
		return true
	}
	switch mode {
	case All:
		return waitAllFences(fds, cancelFD)
	default:
		return waitAnyFence(fds, cancelFD)
	}
}

const fenceEvents = unix.POLLIN | unix.POLLERR | unix.POLLHUP

func waitAnyFence(fds []int, cancelFD int) bool {
	pollFDs := buildPollSet(fds, cancelFD)
	for {
		n, err := unix.Poll(pollFDs, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			return false
		}
		if cancelFD >= 0 && pollFDs[len(pollFDs)-1].Revents != 0 {
			return false
		}
		for _, pfd := range pollFDs[:len(fds)] {
			if pfd.Revents&fenceEvents != 0 {
				return true
			}
		}
	}
}

func waitAllFences(fds []int, cancelFD int) bool {
	remaining := append([]int(nil), fds...)
	for len(remaining) > 0 {
		pollFDs := buildPollSet(remaining, cancelFD)
		n, err := unix.Poll(pollFDs, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			return false
		}
		if cancelFD >= 0 && pollFDs[len(pollFDs)-1].Revents != 0 {
			return false
		}
		var next []int
		for i, pfd := range pollFDs[:len(remaining)] {
			if pfd.Revents&fenceEvents == 0 {
				next = append(next, remaining[i])
			}
		}
		remaining = next
	}
	return true
}

func buildPollSet(fds []int, cancelFD int) []unix.PollFd {
	pollFDs := make([]unix.PollFd, 0, len(fds)+1)
	for _, fd := range fds {
		pollFDs = append(pollFDs, unix.PollFd{Fd: int32(fd), Events: fenceEvents})
	}
	if cancelFD >= 0 {
		pollFDs = append(pollFDs, unix.PollFd{Fd: int32(cancelFD), Events: unix.POLLIN | unix.POLLHUP})
	}
	return pollFDs
}
