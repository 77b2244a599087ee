// Package broker implements the Broker coordinator (spec §4.1): the
// session registry, the subscription index, and the operations that tie
// the topic trie, the retained store and per-session state machines
// together into one running server.
package broker

import (
	"context"
	"sync"

	"github.com/pyr33x/goqtt/internal/logger"
	"github.com/pyr33x/goqtt/internal/mqtt"
	"github.com/pyr33x/goqtt/internal/mqtt/retained"
	"github.com/pyr33x/goqtt/internal/mqtt/session"
	"github.com/pyr33x/goqtt/internal/mqtt/topic"
	putils "github.com/pyr33x/goqtt/internal/packet/utils"
)

// Authenticator resolves a connection request to a principal identity and
// resolves a principal identity to its permission sets and quota. The
// broker names this as an external collaborator (spec §6) without
// prescribing an implementation; internal/auth supplies the concrete ones.
type Authenticator interface {
	Authenticate(ctx context.Context, req mqtt.ConnectionRequest) (principalID string, err error)
	GetPrincipal(ctx context.Context, principalID string) (*mqtt.Principal, bool, error)
}

// Broker owns every live session and the subscription index over topic
// filters. sessions/byClientID/subscriptions are all guarded by mu; each
// Session additionally guards its own queues independently (spec §5).
type Broker struct {
	mu sync.RWMutex

	sessions   map[session.ID]*session.Session
	byClientID map[string]*session.Session

	// subscriptions maps each subscribed filter to the set of sessions
	// holding it, along with the QoS each session requested — the
	// "subscription index" of spec §4.3, instantiated with
	// map[session.ID]mqtt.QoS as the trie's leaf value.
	subscriptions *topic.Trie[map[session.ID]mqtt.QoS]

	retained *retained.Store

	authenticator Authenticator
	log           *logger.Logger
}

// New creates an empty Broker (spec §4.1 newBroker).
func New(authenticator Authenticator, log *logger.Logger) *Broker {
	return &Broker{
		sessions:      make(map[session.ID]*session.Session),
		byClientID:    make(map[string]*session.Session),
		subscriptions: topic.Empty[map[session.ID]mqtt.QoS](),
		retained:      retained.New(),
		authenticator: authenticator,
		log:           log,
	}
}

// RetainedCount reports the number of currently retained messages, for
// diagnostics/tests.
func (b *Broker) RetainedCount() int {
	return b.retained.Count()
}

// Authenticator exposes the broker's Authenticator so the transport layer
// can resolve a session's permission sets after WithSession's onAccept has
// already run (onAccept only returns a *session.Session, not a Principal).
func (b *Broker) Authenticator() Authenticator {
	return b.authenticator
}

// WithSession performs scoped session acquisition (spec §4.1 step 1-4):
// authenticate, resolve-or-create the session, displace any existing
// owner, invoke onAccept, then release ownership (and drop clean
// sessions) once onAccept returns. onReject is called instead of onAccept
// when authentication or principal lookup fails; WithSession returns nil
// in that case, having called onReject.
func (b *Broker) WithSession(
	ctx context.Context,
	req mqtt.ConnectionRequest,
	onReject func(code mqtt.ConnackCode),
	onAccept func(s *session.Session, sessionPresent bool) error,
) error {
	principalID, err := b.authenticator.Authenticate(ctx, req)
	if err != nil {
		b.log.LogError(mqtt.ErrAuthServiceFailure, "authenticator unavailable", logger.ClientID(req.ClientIdentifier), logger.ErrorAttr(err))
		onReject(mqtt.ServerUnavailable)
		return nil
	}
	if principalID == "" {
		b.log.LogAuth(req.ClientIdentifier, "", false, mqtt.ErrAuthDenied.Error())
		onReject(mqtt.NotAuthorized)
		return nil
	}
	principal, ok, err := b.authenticator.GetPrincipal(ctx, principalID)
	if err != nil {
		b.log.LogError(mqtt.ErrAuthServiceFailure, "authenticator unavailable", logger.ClientID(req.ClientIdentifier), logger.ErrorAttr(err))
		onReject(mqtt.ServerUnavailable)
		return nil
	}
	if !ok {
		b.log.LogAuth(req.ClientIdentifier, principalID, false, mqtt.ErrAuthDenied.Error())
		onReject(mqtt.NotAuthorized)
		return nil
	}

	s, sessionPresent := b.acquireSession(req, principal)

	_, gen, displaced := s.SetOwner(ctx)
	if displaced {
		b.log.LogSessionDisplaced(s.ClientIdentifier)
	}
	defer s.ClearOwner(gen)

	err = onAccept(s, sessionPresent)

	if req.CleanSession {
		b.dropSession(s)
	}
	return err
}

// acquireSession implements spec §4.1 step 2: drop-and-recreate for clean
// sessions, reuse for an existing persistent session, or create fresh.
func (b *Broker) acquireSession(req mqtt.ConnectionRequest, principal *mqtt.Principal) (s *session.Session, sessionPresent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, found := b.byClientID[req.ClientIdentifier]

	if req.CleanSession {
		if found {
			b.removeSessionLocked(existing)
		}
		s = session.New(req.ClientIdentifier, principal.Username, true, principal.Quota)
		b.registerSessionLocked(s)
		return s, false
	}

	if found && !existing.CleanSession {
		return existing, true
	}

	s = session.New(req.ClientIdentifier, principal.Username, false, principal.Quota)
	b.registerSessionLocked(s)
	return s, false
}

func (b *Broker) registerSessionLocked(s *session.Session) {
	b.sessions[s.ID] = s
	b.byClientID[s.ClientIdentifier] = s
}

// removeSessionLocked drops s from the registry and the subscription
// index, and clears any will it carries (spec §4.1 step 2's
// "unpublishing its will" for dropped clean sessions — publishing the will
// itself belongs to the transport layer, see DESIGN.md).
func (b *Broker) removeSessionLocked(s *session.Session) {
	delete(b.sessions, s.ID)
	if b.byClientID[s.ClientIdentifier] == s {
		delete(b.byClientID, s.ClientIdentifier)
	}
	for _, fq := range s.Subscriptions() {
		b.removeSubscriberLocked(fq.Filter, s.ID)
	}
	s.ClearWill()
}

func (b *Broker) dropSession(s *session.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeSessionLocked(s)
}

func (b *Broker) removeSubscriberLocked(filter mqtt.TopicFilter, id session.ID) {
	subs, ok := b.subscriptions.Lookup(string(filter))
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		b.subscriptions.Delete(string(filter))
	}
}

// PublishDownstream fans msg.Retain into the retained store (if set) and
// enqueues msg to every subscribed session whose filter matches
// msg.Topic, downgrading to min(msg.QoS, filterQoS) per session (spec
// §4.1 publishDownstream). A session subscribed via more than one
// matching filter receives the message once, at the highest QoS among
// its matching filters — see DESIGN.md's open-question decision on
// overlapping-subscription fan-out. Sessions whose queue hard-overflows
// are displaced (their owner cancelled) per spec §5/§7.
func (b *Broker) PublishDownstream(msg mqtt.Message) int {
	if msg.Retain {
		b.retained.Put(msg)
	}

	b.mu.RLock()
	matches := b.subscriptions.MatchTopic(msg.Topic)
	effective := make(map[session.ID]mqtt.QoS)
	for _, subs := range matches {
		for id, qos := range subs {
			if cur, ok := effective[id]; !ok || qos > cur {
				effective[id] = qos
			}
		}
	}
	targets := make(map[*session.Session]mqtt.QoS, len(effective))
	for id, qos := range effective {
		if s, ok := b.sessions[id]; ok {
			targets[s] = qos
		}
	}
	b.mu.RUnlock()

	count := 0
	for s, filterQoS := range targets {
		if err := s.EnqueueMessage(msg, filterQoS); err != nil {
			b.log.LogQuotaRejection(s.ClientIdentifier, err.Error())
			s.CancelOwner()
			continue
		}
		count++
	}
	return count
}

// PublishUpstream applies the publisher's publishPermissions (and, for a
// retained publish, retainPermissions) before delegating to
// PublishDownstream (spec §4.1 publishUpstream). It is the convenience
// entry point used by the transport layer when a client sends PUBLISH.
func (b *Broker) PublishUpstream(principal *mqtt.Principal, msg mqtt.Message) error {
	if err := putils.ValidateTopicName(msg.Topic); err != nil {
		b.log.LogError(mqtt.ErrInvalidTopicName, "rejected publish topic", logger.String("topic", msg.Topic))
		return mqtt.ErrInvalidTopicName
	}
	if !mqtt.Permits(principal.PublishPermissions, msg.Topic) {
		return mqtt.ErrPermissionDenied
	}
	if msg.Retain && !mqtt.Permits(principal.RetainPermissions, msg.Topic) {
		return mqtt.ErrPermissionDenied
	}
	b.PublishDownstream(msg)
	return nil
}

// Subscribe checks each request against principal.SubscribePermissions,
// forwards the permitted subset to the Session (which emits the SUBACK),
// registers every granted filter in the subscription index, and replays
// any retained message matching a newly granted filter (spec §4.1
// subscribe wrapper, §4.3 replay-on-subscribe).
func (b *Broker) Subscribe(s *session.Session, principal *mqtt.Principal, pid mqtt.PacketID, requests []session.FilterQoS) {
	permitted := make([]bool, len(requests))
	for i, req := range requests {
		if err := putils.ValidateTopicFilter(string(req.Filter)); err != nil {
			b.log.LogError(mqtt.ErrInvalidTopicFilter, "rejected subscribe filter", logger.String("filter", string(req.Filter)))
			continue
		}
		permitted[i] = mqtt.Permits(principal.SubscribePermissions, string(req.Filter))
	}

	granted := s.Subscribe(pid, requests, permitted)

	b.mu.Lock()
	for _, fq := range granted {
		subs, ok := b.subscriptions.Lookup(string(fq.Filter))
		if !ok {
			subs = make(map[session.ID]mqtt.QoS)
			b.subscriptions.Insert(string(fq.Filter), subs)
		}
		subs[s.ID] = fq.QoS
	}
	b.mu.Unlock()

	for _, fq := range granted {
		for _, msg := range b.retained.Match(fq.Filter) {
			_ = s.EnqueueMessage(*msg, fq.QoS)
		}
	}
}

// Unsubscribe forwards to the Session (which emits the UNSUBACK) and
// removes the session from the subscription index for every filter it
// actually held (spec §4.1 unsubscribe wrapper).
func (b *Broker) Unsubscribe(s *session.Session, pid mqtt.PacketID, filters []mqtt.TopicFilter) {
	removed := s.Unsubscribe(pid, filters)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range removed {
		b.removeSubscriberLocked(f, s.ID)
	}
}
