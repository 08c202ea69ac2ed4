package engine

import "sync"

// serializer runs tasks for the same key one after another in submission
// order. Tasks for different keys run concurrently. A task submitted with
// runAll waits for every earlier task and blocks every later one.
type serializer struct {
	mu      sync.Mutex
	tails   map[int64]chan struct{}
	barrier chan struct{}
}

func newSerializer() *serializer {
	return &serializer{tails: make(map[int64]chan struct{})}
}

func (s *serializer) run(key int64, task func()) {
	s.mu.Lock()
	prev, ok := s.tails[key]
	if !ok {
		prev = s.barrier
	}
	done := make(chan struct{})
	s.tails[key] = done
	s.mu.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		task()
		close(done)

		s.mu.Lock()
		if s.tails[key] == done {
			delete(s.tails, key)
		}
		s.mu.Unlock()
	}()
}

func (s *serializer) runAll(task func()) {
	s.mu.Lock()
	waits := make([]chan struct{}, 0, len(s.tails)+1)
	for _, tail := range s.tails {
		waits = append(waits, tail)
	}
	if s.barrier != nil {
		waits = append(waits, s.barrier)
	}
	done := make(chan struct{})
	for key := range s.tails {
		s.tails[key] = done
	}
	s.barrier = done
	s.mu.Unlock()

	go func() {
		for _, w := range waits {
			<-w
		}
		task()
		close(done)

		s.mu.Lock()
		if s.barrier == done {
			s.barrier = nil
		}
		for key, tail := range s.tails {
			if tail == done {
				delete(s.tails, key)
			}
		}
		s.mu.Unlock()
	}()
}
