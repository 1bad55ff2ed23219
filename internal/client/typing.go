package client

import (
	"sync"
	"time"
)

// DefaultTypingIdle is how long after the last keystroke the local user is
// considered to have stopped typing.
const DefaultTypingIdle = 2 * time.Second

// typingState is the local typing indicator: idle or typing, with one idle
// timer. Every transition bumps gen so a timer that fires after being reset
// or stopped is recognised as stale and ignored. emitMu is held across a
// transition and its emit so the peer sees starts and stops in order;
// changed runs after emitMu is released.
type typingState struct {
	idle    time.Duration
	emit    func(start bool)
	changed func()
	emitMu  sync.Mutex
	mu      sync.Mutex
	on      bool
	gen     uint64
	timer   *time.Timer
}

func newTypingState(idle time.Duration, emit func(start bool)) *typingState {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &typingState{idle: idle, emit: emit}
}

// Keystroke starts typing if idle and re-arms the idle timer.
func (s *typingState) Keystroke() {
	s.emitMu.Lock()
	s.mu.Lock()
	started := !s.on
	s.on = true
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.idle, func() { s.expire(gen) })
	s.mu.Unlock()

	if started {
		s.emit(true)
	}
	s.emitMu.Unlock()

	if started {
		s.notify()
	}
}

// Stop ends typing immediately and reports whether a stop was emitted.
func (s *typingState) Stop() bool {
	s.emitMu.Lock()
	if !s.reset() {
		s.emitMu.Unlock()
		return false
	}
	s.emit(false)
	s.emitMu.Unlock()

	s.notify()
	return true
}

// Close cancels the timer without emitting anything.
func (s *typingState) Close() {
	s.reset()
}

// Active reports whether the local user is typing.
func (s *typingState) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

func (s *typingState) reset() (wasOn bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasOn = s.on
	s.on = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return wasOn
}

func (s *typingState) expire(gen uint64) {
	s.emitMu.Lock()
	s.mu.Lock()
	if gen != s.gen || !s.on {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return
	}
	s.on = false
	s.timer = nil
	s.mu.Unlock()

	s.emit(false)
	s.emitMu.Unlock()

	s.notify()
}

func (s *typingState) notify() {
	if s.changed != nil {
		s.changed()
	}
}
