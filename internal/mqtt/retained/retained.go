// Package retained implements the broker's retained-message store: a trie
// of Message keyed by exact topic name (no wildcards on the key side).
package retained

import (
	"sync"

	"github.com/pyr33x/goqtt/internal/mqtt"
	"github.com/pyr33x/goqtt/internal/mqtt/topic"
)

// Store holds the most recently retained message for each topic. It is
// safe for concurrent use: Put, Match and Count take the store's own lock,
// independent of any lock held by the caller.
type Store struct {
	mu   sync.RWMutex
	trie *topic.Trie[*mqtt.Message]
}

// New returns an empty retained store.
func New() *Store {
	return &Store{trie: topic.Empty[*mqtt.Message]()}
}

// Put stores msg as the retained message for its topic, or — if msg is the
// delete-retained sentinel (empty payload) — removes any retained message
// at that topic. No retained entry ever holds an empty payload.
func (s *Store) Put(msg mqtt.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(msg)
}

func (s *Store) putLocked(msg mqtt.Message) {
	if msg.IsRetainDelete() {
		s.trie.Delete(msg.Topic)
		return
	}
	m := msg
	s.trie.Insert(msg.Topic, &m)
}

// Match returns every retained message whose topic matches filter, for
// replay to a newly subscribed session.
func (s *Store) Match(filter mqtt.TopicFilter) []*mqtt.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matchLocked(filter)
}

func (s *Store) matchLocked(filter mqtt.TopicFilter) []*mqtt.Message {
	return s.trie.MatchByFilter(string(filter))
}

// Count returns the number of retained messages currently stored under
// topics whose first segment does not begin with '$'; messages retained on
// '$'-prefixed topics are not counted, since the "#" walk skips them.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trie.MatchByFilter("#"))
}
