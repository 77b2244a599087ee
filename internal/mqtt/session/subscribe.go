package session

import "github.com/pyr33x/goqtt/internal/mqtt"

// Subscribe records each permitted filter into the session's subscription
// set and emits a single SUBACK control packet with one Grant per request,
// in request order (permitted must be the same length as requests, each
// entry decided by the broker against the principal's subscribePermissions
// before calling this). It returns the filters that were actually granted,
// so the caller can register them in the broker's subscription trie and
// replay matching retained messages.
func (s *Session) Subscribe(pid mqtt.PacketID, requests []FilterQoS, permitted []bool) []FilterQoS {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]Grant, len(requests))
	var granted []FilterQoS
	for i, req := range requests {
		if i < len(permitted) && permitted[i] {
			s.subscriptions[req.Filter] = req.QoS
			results[i] = Grant{QoS: req.QoS, Granted: true}
			granted = append(granted, req)
		} else {
			results[i] = Grant{Granted: false}
		}
	}

	s.enqueueControlLocked(ServerSubscribeAcknowledged{PacketID: pid, Results: results})
	return granted
}

// Unsubscribe removes filters from the subscription set and emits an
// UNSUBACK. It returns the filters that were actually present, so the
// caller can remove the corresponding entries from the broker's
// subscription trie.
func (s *Session) Unsubscribe(pid mqtt.PacketID, filters []mqtt.TopicFilter) []mqtt.TopicFilter {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []mqtt.TopicFilter
	for _, f := range filters {
		if _, ok := s.subscriptions[f]; ok {
			delete(s.subscriptions, f)
			removed = append(removed, f)
		}
	}

	s.enqueueControlLocked(ServerUnsubscribeAcknowledged{PacketID: pid})
	return removed
}
