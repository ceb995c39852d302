package device

import (
	"sync"

	"github.com/nexus-voice-lab/internal/audio"
)

// queueTrack is an audio.Track fed by a producer goroutine. Pushes never
// block; once more than limit samples are waiting the oldest are dropped.
type queueTrack struct {
	id     string
	limit  int
	onStop func()

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []float32
	stopped bool
	dropped int
	once    sync.Once
}

func newQueueTrack(id string, limit int, onStop func()) *queueTrack {
	q := &queueTrack{id: id, limit: limit, onStop: onStop}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queueTrack) push(samples []float32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.buf = append(q.buf, samples...)
	if q.limit > 0 && len(q.buf) > q.limit {
		over := len(q.buf) - q.limit
		q.dropped += over
		q.buf = append(q.buf[:0], q.buf[over:]...)
	}
	q.cond.Signal()
}

func (q *queueTrack) Read(dst []float32) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return 0, audio.ErrTrackStopped
	}
	n := copy(dst, q.buf)
	q.buf = q.buf[n:]
	return n, nil
}

func (q *queueTrack) Stop() error {
	q.once.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.buf = nil
		q.cond.Broadcast()
		q.mu.Unlock()
		if q.onStop != nil {
			q.onStop()
		}
	})
	return nil
}

func (q *queueTrack) DeviceID() string { return q.id }

func (q *queueTrack) isStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}
