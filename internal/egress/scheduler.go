// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package egress implements the client peer's priority-scheduled,
// token-bucket-shaped tunnel writer described in spec.md §4.4. It is the
// single writer to the tunnel on the client side (spec.md §5, §9 "the
// scheduler *is* that actor").
//
// The level-draining shape follows the teacher's smux shaper
// (vendor/github.com/xtaci/smux/shaper.go), which keeps a min-heap of
// pending writes ordered by (class, sequence) and lets the sendLoop drain
// whatever is cheapest next. This scheduler deliberately does not reuse that
// heap: smux's shaper always has a "next" candidate ready and advances one
// write at a time with no shared per-tick budget, so a stalled high class
// simply lets a lower class through. spec.md §4.4/§9 tightens that policy —
// a frame that doesn't fit the remaining tick budget halts the whole tick's
// scan, not just its own level, to avoid priority inversion across the tick
// boundary. That is a different scheduling discipline, so it is rebuilt
// directly from the tick/budget/priority-level algorithm of
// original_source/src/MUX/mux_ppp_server.py's PPP.scheduler_loop rather than
// adapted from the heap.
package egress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const (
	numPriorities = 8

	// DefaultTickInterval is the scheduler's quantization interval
	// (spec.md §4.4 recommends 50ms).
	DefaultTickInterval = 50 * time.Millisecond

	// DefaultBytesPerTick is the starting per-tick budget, 64KiB, until
	// SetLinkBandwidth changes it. Since every frame carries an 8-byte
	// header, the largest DATA payload that fits it is 64KiB minus 8.
	DefaultBytesPerTick = 65536

	// MinBytesPerTick is the floor spec.md §4.4 requires to guarantee
	// forward progress for minimally sized frames.
	MinBytesPerTick = 50
)

// Writer is the tunnel's write half. Flush is optional; a Writer that also
// implements Flusher gets Flush() called once at the end of every tick that
// wrote at least one frame, matching the "flush the tunnel writer" step of
// spec.md §4.4.
type Writer interface {
	Write(p []byte) (int, error)
}

// Flusher is implemented by buffered tunnel writers.
type Flusher interface {
	Flush() error
}

// Scheduler drains eight FIFO priority queues onto a tunnel writer under a
// per-tick byte budget, strictly favoring higher priorities within each
// tick.
type Scheduler struct {
	writer Writer

	mu     sync.Mutex
	queues [numPriorities][][]byte

	bytesPerTick int32 // atomic
	tickInterval time.Duration

	running int32 // atomic bool
	die     chan struct{}
	doneWg  sync.WaitGroup

	// onWriteError is invoked each time a tunnel write or flush fails
	// (a failed write also ends that tick); it lets the owning peer
	// react (e.g. trigger global shutdown and Stop) without the
	// scheduler importing peer-level types.
	onWriteError func(error)
}

// New constructs a Scheduler writing to w. It does not start the tick loop;
// call Run in its own goroutine.
func New(w Writer, tickInterval time.Duration, onWriteError func(error)) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	s := &Scheduler{
		writer:       w,
		tickInterval: tickInterval,
		die:          make(chan struct{}),
		onWriteError: onWriteError,
	}
	atomic.StoreInt32(&s.bytesPerTick, DefaultBytesPerTick)
	atomic.StoreInt32(&s.running, 1)
	return s
}

// ErrFrameTooLarge is returned by Enqueue for a frame that can never be
// drained within a single tick's budget. spec.md §4.4 Rationale: "a frame
// larger than bytes_per_tick would stall the link forever" — tick's
// head-of-line policy defers a too-large head indefinitely, so the only
// safe place to catch it is at enqueue time, before it can wedge the scan.
var ErrFrameTooLarge = errors.New("egress: frame exceeds bytes_per_tick budget")

// Enqueue appends an already-encoded frame to the queue for priority;
// values above 7 are clamped to 7 here (callers holding a signed priority
// clamp it with wire.ClampPriority first). It never blocks on
// tunnel I/O — only on the internal mutex — matching spec.md §4.4: "the call
// is non-blocking from the caller's view (it does not wait for wire
// departure)." It rejects, rather than queues, a frame that exceeds the
// current per-tick budget (spec.md §4.4 Rationale).
func (s *Scheduler) Enqueue(priority uint8, frame []byte) error {
	if priority >= numPriorities {
		priority = numPriorities - 1
	}
	if len(frame) > int(atomic.LoadInt32(&s.bytesPerTick)) {
		return ErrFrameTooLarge
	}
	s.mu.Lock()
	s.queues[priority] = append(s.queues[priority], frame)
	s.mu.Unlock()
	return nil
}

// SetLinkBandwidth changes the per-tick byte budget. It is safe to call
// concurrently with Run; the new value takes effect from the next tick
// (spec.md §4.4).
func (s *Scheduler) SetLinkBandwidth(bytesPerTick int) {
	if bytesPerTick < MinBytesPerTick {
		bytesPerTick = MinBytesPerTick
	}
	atomic.StoreInt32(&s.bytesPerTick, int32(bytesPerTick))
}

// Stop flips the monotonic running flag and stops the tick loop. Per
// spec.md §4.4 it does not drain queues — callers that need final frames
// delivered (e.g. a CLOSE) must enqueue them and wait at least one tick
// before calling Stop.
func (s *Scheduler) Stop() {
	if atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		close(s.die)
	}
}

// Run is the scheduler's tick loop. It should be started in its own
// goroutine; it returns once Stop is called.
func (s *Scheduler) Run() {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.die:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick implements the scheduling cycle of spec.md §4.4 step 2-3: drain
// priority 7 down to 0 under a shared budget, stopping the entire scan (not
// just the current level) the first time a head frame doesn't fit.
func (s *Scheduler) tick() {
	budget := int(atomic.LoadInt32(&s.bytesPerTick))
	wrote := false

scan:
	for prio := numPriorities - 1; prio >= 0; prio-- {
		for {
			if budget <= 0 {
				break scan
			}
			s.mu.Lock()
			q := s.queues[prio]
			if len(q) == 0 {
				s.mu.Unlock()
				break
			}
			head := q[0]
			if len(head) > budget {
				s.mu.Unlock()
				// A large frame at this level cannot be sent
				// this tick. Per spec.md §4.4, defer lower
				// levels too rather than letting a smaller
				// low-priority frame overtake it.
				break scan
			}
			s.queues[prio] = q[1:]
			s.mu.Unlock()

			if _, err := s.writer.Write(head); err != nil {
				if s.onWriteError != nil {
					s.onWriteError(err)
				}
				return
			}
			budget -= len(head)
			wrote = true
		}
	}

	if wrote {
		if f, ok := s.writer.(Flusher); ok {
			if err := f.Flush(); err != nil && s.onWriteError != nil {
				s.onWriteError(err)
			}
		}
	}
}

// Pending reports the number of frames still queued at each priority,
// mainly useful for tests and diagnostics.
func (s *Scheduler) Pending(priority uint8) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if priority >= numPriorities {
		return 0
	}
	return len(s.queues[priority])
}
