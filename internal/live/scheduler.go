package live

import (
	"math"
	"sync"

	"github.com/nexus-voice-lab/internal/audio"
)

// Scheduler plays incoming chunks back to back on an output clock. Each
// chunk starts at max(now, end of the previous chunk), so late batches only
// append to the tail and never cut into what is already playing.
type Scheduler struct {
	out audio.Playback

	mu      sync.Mutex
	next    float64
	seq     uint64
	handles map[uint64]*scheduled
}

type scheduled struct {
	h audio.Handle
}

func NewScheduler(out audio.Playback) *Scheduler {
	return &Scheduler{out: out, handles: make(map[uint64]*scheduled)}
}

// Enqueue schedules buf and returns its start time on the output clock.
func (s *Scheduler) Enqueue(buf audio.Buffer) float64 {
	s.mu.Lock()
	start := math.Max(s.out.CurrentTime(), s.next)
	s.next = start + buf.Seconds()
	id := s.seq
	s.seq++
	entry := &scheduled{}
	s.handles[id] = entry
	s.mu.Unlock()

	h := s.out.Schedule(buf, start, func() {
		s.mu.Lock()
		delete(s.handles, id)
		s.mu.Unlock()
	})

	s.mu.Lock()
	entry.h = h
	s.mu.Unlock()
	return start
}

// Flush stops every scheduled chunk and resets the cursor to now. It returns
// the number of chunks that were still pending.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	pending := make([]audio.Handle, 0, len(s.handles))
	for id, e := range s.handles {
		if e.h != nil {
			pending = append(pending, e.h)
		}
		delete(s.handles, id)
	}
	s.next = s.out.CurrentTime()
	s.mu.Unlock()

	for _, h := range pending {
		h.Stop()
	}
	return len(pending)
}

// Pending reports chunks scheduled and not yet ended.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Next is the end time of the last scheduled chunk.
func (s *Scheduler) Next() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
