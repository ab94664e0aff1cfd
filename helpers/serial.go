package helpers

import (
	"sync"

	"github.com/temoto/alive/v2"
)

// Serial runs submitted functions one at a time in submission order
// on a single background goroutine.
// - Submit never blocks, queue is unbounded
// - Stop lets already queued functions run, then the goroutine exits
// - Submit after Stop returns false and drops the function
type Serial struct {
	alive   *alive.Alive
	mu      sync.Mutex
	queue   []func()
	signal  chan struct{}
	stopped bool
}

func NewSerial() *Serial {
	s := &Serial{
		alive:  alive.NewAlive(),
		signal: make(chan struct{}, 1),
	}
	s.alive.Add(1)
	go s.loop()
	return s
}

func (s *Serial) Submit(f func()) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *Serial) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.alive.Stop()
}

// Wait returns after Stop and all queued functions finished.
func (s *Serial) Wait() { s.alive.Wait() }

func (s *Serial) loop() {
	defer s.alive.Done()
	stopch := s.alive.StopChan()
	for {
		for _, f := range s.take() {
			f()
		}

		select {
		case <-s.signal:
		case <-stopch:
			// no new submits after stop, drain and exit
			for {
				batch := s.take()
				if len(batch) == 0 {
					return
				}
				for _, f := range batch {
					f()
				}
			}
		}
	}
}

func (s *Serial) take() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}
