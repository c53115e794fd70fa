package event

import "sync"

// Sequencer runs submitted work serially per key while different keys run
// concurrently. It is used to keep per-transaction post-processing in vendor
// order without one slow transaction holding back its siblings.
type Sequencer struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

func NewSequencer() *Sequencer {
	return &Sequencer{
		queues: make(map[string][]func()),
	}
}

// Submit schedules fn after every previously submitted fn for the same key.
func (s *Sequencer) Submit(key string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wg.Add(1)

	pending, running := s.queues[key]
	s.queues[key] = append(pending, fn)
	if running {
		return
	}

	go s.drain(key)
}

// Wait blocks until all submitted work has completed.
func (s *Sequencer) Wait() {
	s.wg.Wait()
}

func (s *Sequencer) drain(key string) {
	for {
		s.mu.Lock()
		queue := s.queues[key]
		if len(queue) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		fn := queue[0]
		s.queues[key] = queue[1:]
		s.mu.Unlock()

		fn()
		s.wg.Done()
	}
}
