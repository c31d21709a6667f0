package bus

import (
	"path"
	"strings"
	"sync"
)

// Subscriptions tracks the exact channels and glob patterns a bus is
// subscribed to. Transports with coarser server-side filtering (ZeroMQ prefix
// matching) use it to filter inbound messages exactly.
//
// Patterns use Redis PSUBSCRIBE glob syntax: '*', '?' and '[...]'.
type Subscriptions struct {
	mtx      sync.RWMutex
	channels map[string]bool
	patterns map[string]bool
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		channels: make(map[string]bool),
		patterns: make(map[string]bool),
	}
}

// AddChannel returns false if channel was already present.
func (s *Subscriptions) AddChannel(channel string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.channels[channel] {
		return false
	}
	s.channels[channel] = true
	return true
}

func (s *Subscriptions) RemoveChannel(channel string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.channels[channel] {
		return false
	}
	delete(s.channels, channel)
	return true
}

func (s *Subscriptions) AddPattern(pattern string) (bool, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return false, err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.patterns[pattern] {
		return false, nil
	}
	s.patterns[pattern] = true
	return true, nil
}

func (s *Subscriptions) RemovePattern(pattern string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.patterns[pattern] {
		return false
	}
	delete(s.patterns, pattern)
	return true
}

// Match reports whether channel is subscribed. If it only matches a pattern,
// that pattern is returned.
func (s *Subscriptions) Match(channel string) (pattern string, ok bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.channels[channel] {
		return "", true
	}
	for p := range s.patterns {
		if m, _ := path.Match(p, channel); m {
			return p, true
		}
	}
	return "", false
}

func (s *Subscriptions) Channels() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	ret := make([]string, 0, len(s.channels))
	for c := range s.channels {
		ret = append(ret, c)
	}
	return ret
}

func (s *Subscriptions) Patterns() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	ret := make([]string, 0, len(s.patterns))
	for p := range s.patterns {
		ret = append(ret, p)
	}
	return ret
}

// PatternPrefix returns the literal prefix of a glob pattern, i.e. everything
// before the first meta character.
func PatternPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
