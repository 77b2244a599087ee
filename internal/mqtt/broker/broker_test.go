package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyr33x/goqtt/internal/auth"
	"github.com/pyr33x/goqtt/internal/logger"
	"github.com/pyr33x/goqtt/internal/mqtt"
	"github.com/pyr33x/goqtt/internal/mqtt/broker"
	"github.com/pyr33x/goqtt/internal/mqtt/session"
)

func testBroker() *broker.Broker {
	return broker.New(auth.Anonymous(testQuota()), logger.New(logger.DevelopmentConfig()))
}

func testQuota() mqtt.Quota {
	return mqtt.Quota{MaxPacketIdentifiers: 8, MaxQueueSizeQoS0: 8, MaxQueueSizeQoS1: 8, MaxQueueSizeQoS2: 8}
}

func connReq(clientID string, clean bool) mqtt.ConnectionRequest {
	return mqtt.ConnectionRequest{ClientIdentifier: clientID, CleanSession: clean}
}

func TestWithSessionAcceptsAnonymousConnection(t *testing.T) {
	b := testBroker()
	var got *session.Session
	err := b.WithSession(context.Background(), connReq("c1", true),
		func(code mqtt.ConnackCode) { t.Fatalf("unexpected reject %v", code) },
		func(s *session.Session, present bool) error {
			got = s
			assert.False(t, present)
			return nil
		})
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestWithSessionRejectsUnknownPrincipal(t *testing.T) {
	b := testBroker()
	rejected := false
	err := b.WithSession(context.Background(), mqtt.ConnectionRequest{
		ClientIdentifier: "c1",
		Credentials:      &mqtt.Credentials{Username: "nobody", Password: "x"},
	},
		func(code mqtt.ConnackCode) {
			rejected = true
			assert.Equal(t, mqtt.NotAuthorized, code)
		},
		func(s *session.Session, present bool) error {
			t.Fatal("onAccept must not be called")
			return nil
		})
	require.NoError(t, err)
	assert.True(t, rejected)
}

// erroringAuthenticator simulates an authentication backend that is down
// (e.g. the sqlite store unreachable), for TestWithSessionSurfacesServerUnavailableOnAuthError.
type erroringAuthenticator struct{}

func (erroringAuthenticator) Authenticate(ctx context.Context, req mqtt.ConnectionRequest) (string, error) {
	return "", errors.New("database is unreachable")
}

func (erroringAuthenticator) GetPrincipal(ctx context.Context, principalID string) (*mqtt.Principal, bool, error) {
	return nil, false, errors.New("database is unreachable")
}

func TestWithSessionSurfacesServerUnavailableOnAuthError(t *testing.T) {
	b := broker.New(erroringAuthenticator{}, logger.New(logger.DevelopmentConfig()))
	rejected := false
	err := b.WithSession(context.Background(), connReq("c1", true),
		func(code mqtt.ConnackCode) {
			rejected = true
			assert.Equal(t, mqtt.ServerUnavailable, code)
		},
		func(s *session.Session, present bool) error {
			t.Fatal("onAccept must not be called when the authenticator errors")
			return nil
		})
	require.NoError(t, err)
	assert.True(t, rejected)
}

func TestCleanSessionAlwaysPresentFalseAndDroppedAfterward(t *testing.T) {
	b := testBroker()

	err := b.WithSession(context.Background(), connReq("c1", true),
		func(mqtt.ConnackCode) {},
		func(s *session.Session, present bool) error {
			assert.False(t, present)
			return nil
		})
	require.NoError(t, err)

	// reconnecting with clean=true again must not see the prior session
	// resurface as present.
	err = b.WithSession(context.Background(), connReq("c1", true),
		func(mqtt.ConnackCode) {},
		func(s *session.Session, present bool) error {
			assert.False(t, present)
			return nil
		})
	require.NoError(t, err)
}

func TestPersistentSessionResumesWithSessionPresentTrue(t *testing.T) {
	b := testBroker()
	var firstID session.ID

	err := b.WithSession(context.Background(), connReq("c1", false),
		func(mqtt.ConnackCode) {},
		func(s *session.Session, present bool) error {
			firstID = s.ID
			assert.False(t, present)
			return nil
		})
	require.NoError(t, err)

	err = b.WithSession(context.Background(), connReq("c1", false),
		func(mqtt.ConnackCode) {},
		func(s *session.Session, present bool) error {
			assert.True(t, present)
			assert.Equal(t, firstID, s.ID)
			return nil
		})
	require.NoError(t, err)
}

func TestSecondConnectionDisplacesFirstOwner(t *testing.T) {
	b := testBroker()
	registered := make(chan struct{})
	firstCtxDone := make(chan struct{})

	go func() {
		_ = b.WithSession(context.Background(), connReq("c1", false),
			func(mqtt.ConnackCode) {},
			func(s *session.Session, present bool) error {
				close(registered)
				<-s.Context().Done()
				close(firstCtxDone)
				return nil
			})
	}()

	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("first connection never reached onAccept")
	}

	err := b.WithSession(context.Background(), connReq("c1", false),
		func(mqtt.ConnackCode) {},
		func(s *session.Session, present bool) error {
			assert.True(t, present)
			return nil
		})
	require.NoError(t, err)

	select {
	case <-firstCtxDone:
	case <-time.After(time.Second):
		t.Fatal("first owner's context was never cancelled on displacement")
	}
}

func TestSubscribeReplaysRetainedMessages(t *testing.T) {
	b := testBroker()
	principal := &mqtt.Principal{Quota: testQuota()}

	b.PublishDownstream(mqtt.Message{Topic: "home/temp", QoS: mqtt.QoS0, Retain: true, Payload: []byte("21C")})
	assert.Equal(t, 1, b.RetainedCount())

	s := session.New("sub1", "anonymous", true, testQuota())
	b.Subscribe(s, principal, 1, []session.FilterQoS{{Filter: "home/+", QoS: mqtt.QoS0}})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	pkts := s.Dequeue(ctx)
	require.Len(t, pkts, 2)
	_ = pkts[0].(session.ServerSubscribeAcknowledged)
	pub := pkts[1].(session.ServerPublish)
	assert.Equal(t, "home/temp", pub.Message.Topic)
}

func TestPublishDownstreamFansOutToAllMatchingSubscribers(t *testing.T) {
	b := testBroker()
	principal := &mqtt.Principal{Quota: testQuota()}

	s1 := connectedSession(t, b, "sub1")
	s2 := connectedSession(t, b, "sub2")
	b.Subscribe(s1, principal, 1, []session.FilterQoS{{Filter: "a/#", QoS: mqtt.QoS1}})
	b.Subscribe(s2, principal, 1, []session.FilterQoS{{Filter: "a/b", QoS: mqtt.QoS0}})
	drain(t, s1)
	drain(t, s2)

	count := b.PublishDownstream(mqtt.Message{Topic: "a/b", QoS: mqtt.QoS1, Payload: []byte("x")})
	assert.Equal(t, 2, count)

	pkts1 := drain(t, s1)
	require.Len(t, pkts1, 1)
	assert.Equal(t, mqtt.QoS1, pkts1[0].(session.ServerPublish).Message.QoS)

	pkts2 := drain(t, s2)
	require.Len(t, pkts2, 1)
	assert.Equal(t, mqtt.QoS0, pkts2[0].(session.ServerPublish).Message.QoS)
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	b := testBroker()
	principal := &mqtt.Principal{Quota: testQuota()}

	s := connectedSession(t, b, "sub1")
	b.Subscribe(s, principal, 1, []session.FilterQoS{{Filter: "a/b", QoS: mqtt.QoS0}})
	drain(t, s)

	b.Unsubscribe(s, 2, []mqtt.TopicFilter{"a/b"})
	drain(t, s)

	b.PublishDownstream(mqtt.Message{Topic: "a/b", QoS: mqtt.QoS0, Payload: []byte("x")})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Nil(t, s.Dequeue(ctx))
}

func TestPublishUpstreamDeniesUnpermittedTopic(t *testing.T) {
	b := testBroker()
	trie := denyAllFilterSet{}
	principal := &mqtt.Principal{Quota: testQuota(), PublishPermissions: trie}

	err := b.PublishUpstream(principal, mqtt.Message{Topic: "forbidden", QoS: mqtt.QoS0})
	assert.ErrorIs(t, err, mqtt.ErrPermissionDenied)
}

type denyAllFilterSet struct{}

func (denyAllFilterSet) MatchFilter(string) bool { return false }

// connectedSession opens a persistent session through WithSession, so it
// stays in the broker's session registry that PublishDownstream routes to.
func connectedSession(t *testing.T, b *broker.Broker, clientID string) *session.Session {
	t.Helper()
	var got *session.Session
	err := b.WithSession(context.Background(), connReq(clientID, false),
		func(code mqtt.ConnackCode) { t.Fatalf("unexpected reject %v", code) },
		func(s *session.Session, present bool) error {
			got = s
			return nil
		})
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func drain(t *testing.T, s *session.Session) []session.ServerPacket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	return s.Dequeue(ctx)
}
