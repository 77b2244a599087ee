package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyr33x/goqtt/internal/mqtt"
	"github.com/pyr33x/goqtt/internal/mqtt/session"
)

func quota(n int) mqtt.Quota {
	return mqtt.Quota{
		MaxPacketIdentifiers: n,
		MaxQueueSizeQoS0:     n,
		MaxQueueSizeQoS1:     n,
		MaxQueueSizeQoS2:     n,
	}
}

func dequeueNow(t *testing.T, s *session.Session) []session.ServerPacket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	pkts := s.Dequeue(ctx)
	require.NotNil(t, pkts, "expected dequeue to return output, not block forever")
	return pkts
}

func TestQoS0BarrelShiftDropsOldest(t *testing.T) {
	s := session.New("c1", "p1", true, quota(10))

	for i := 0; i < 10; i++ {
		require.NoError(t, s.EnqueueMessage(mqtt.Message{Topic: "t", QoS: mqtt.QoS0, Payload: []byte{byte(i)}}, mqtt.QoS0))
	}
	first := dequeueNow(t, s)
	assert.Len(t, first, 10)

	for i := 10; i < 21; i++ {
		require.NoError(t, s.EnqueueMessage(mqtt.Message{Topic: "t", QoS: mqtt.QoS0, Payload: []byte{byte(i)}}, mqtt.QoS0))
	}
	second := dequeueNow(t, s)
	require.Len(t, second, 10)
	// messages 10..20 published (11 of them); queue caps at 10, so the
	// first of that batch (10) is dropped, leaving 11..20.
	firstPub := second[0].(session.ServerPublish)
	assert.EqualValues(t, 11, firstPub.Message.Payload[0])
}

func TestQoS1HardOverflowReportsError(t *testing.T) {
	s := session.New("c1", "p1", true, quota(10))

	for i := 0; i < 10; i++ {
		require.NoError(t, s.EnqueueMessage(mqtt.Message{Topic: "t", QoS: mqtt.QoS1}, mqtt.QoS1))
	}
	pkts := dequeueNow(t, s)
	require.Len(t, pkts, 10)
	for i, p := range pkts {
		pub := p.(session.ServerPublish)
		assert.EqualValues(t, i, pub.PacketID)
	}

	// One more without acking any — packet identifiers are exhausted.
	err := s.EnqueueMessage(mqtt.Message{Topic: "t", QoS: mqtt.QoS1}, mqtt.QoS1)
	assert.ErrorIs(t, err, mqtt.ErrQueueOverflowHard)
}

func TestQoS1AcknowledgeReturnsPacketIDToPool(t *testing.T) {
	s := session.New("c1", "p1", true, quota(4))
	require.NoError(t, s.EnqueueMessage(mqtt.Message{Topic: "t", QoS: mqtt.QoS1}, mqtt.QoS1))
	pkts := dequeueNow(t, s)
	pub := pkts[0].(session.ServerPublish)

	assert.True(t, s.PacketIDInvariantHolds())
	s.ProcessPublishAcknowledged(pub.PacketID)
	assert.True(t, s.PacketIDInvariantHolds())

	// pid is now free again and reusable.
	require.NoError(t, s.EnqueueMessage(mqtt.Message{Topic: "t", QoS: mqtt.QoS1}, mqtt.QoS1))
}

func TestQoS2ReconnectReplayLadder(t *testing.T) {
	s := session.New("c1", "p1", false, quota(4))

	require.NoError(t, s.EnqueueMessage(mqtt.Message{Topic: "t", QoS: mqtt.QoS2, Payload: []byte("m")}, mqtt.QoS2))
	pkts := dequeueNow(t, s)
	require.Len(t, pkts, 1)
	pub := pkts[0].(session.ServerPublish)
	assert.EqualValues(t, 0, pub.PacketID)
	assert.False(t, pub.Duplicate)

	// Reconnect: replay as duplicate.
	s.Resume()
	pkts = dequeueNow(t, s)
	require.Len(t, pkts, 1)
	pub = pkts[0].(session.ServerPublish)
	assert.EqualValues(t, 0, pub.PacketID)
	assert.True(t, pub.Duplicate)

	s.ProcessPublishReceived(0)
	pkts = dequeueNow(t, s)
	require.Len(t, pkts, 1)
	_ = pkts[0].(session.ServerPublishRelease)

	// Reconnect again: PUBREL replays.
	s.Resume()
	pkts = dequeueNow(t, s)
	require.Len(t, pkts, 1)
	rel := pkts[0].(session.ServerPublishRelease)
	assert.EqualValues(t, 0, rel.PacketID)

	s.ProcessPublishComplete(0)
	assert.True(t, s.PacketIDInvariantHolds())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Nil(t, s.Dequeue(ctx), "nothing left to dequeue")
}

func TestInboundQoS2TwoPhaseIdempotentAndDeferred(t *testing.T) {
	s := session.New("c1", "p1", true, quota(4))
	msg := mqtt.Message{Topic: "t", QoS: mqtt.QoS2, Payload: []byte("m")}

	ready := s.ProcessPublish(5, false, msg)
	assert.False(t, ready, "qos2 inbound must defer fan-out to PUBREL")
	pkts := dequeueNow(t, s)
	require.Len(t, pkts, 1)
	_ = pkts[0].(session.ServerPublishReceived)

	// Duplicate PUBLISH with the same pid: idempotent, still PUBRECs.
	ready = s.ProcessPublish(5, true, msg)
	assert.False(t, ready)
	pkts = dequeueNow(t, s)
	require.Len(t, pkts, 1)

	got, ok := s.ProcessPublishRelease(5)
	require.True(t, ok)
	assert.Equal(t, msg, got)
	pkts = dequeueNow(t, s)
	require.Len(t, pkts, 1)
	_ = pkts[0].(session.ServerPublishComplete)

	// A second PUBREL for the same (already-released) pid: protocol
	// violation, ignored for fan-out purposes but PUBCOMP still sent.
	_, ok = s.ProcessPublishRelease(5)
	assert.False(t, ok)
}

func TestInboundQoS1OnePhaseAckAndImmediateFanout(t *testing.T) {
	s := session.New("c1", "p1", true, quota(4))
	msg := mqtt.Message{Topic: "t", QoS: mqtt.QoS1, Payload: []byte("m")}

	ready := s.ProcessPublish(9, false, msg)
	assert.True(t, ready, "qos1 inbound is ready for fan-out immediately")
	pkts := dequeueNow(t, s)
	require.Len(t, pkts, 1)
	_ = pkts[0].(session.ServerPublishAcknowledged)
}

func TestUnknownAcknowledgementIgnored(t *testing.T) {
	s := session.New("c1", "p1", true, quota(4))
	s.ProcessPublishAcknowledged(999) // no panic, no effect
	s.ProcessPublishReceived(999)
	s.ProcessPublishComplete(999)
	assert.True(t, s.PacketIDInvariantHolds())
}

func TestSubscribeAckPrecedesRetainedReplayInOneDequeue(t *testing.T) {
	s := session.New("c1", "p1", true, quota(4))
	s.Subscribe(1, []session.FilterQoS{{Filter: "a/b", QoS: mqtt.QoS0}}, []bool{true})
	require.NoError(t, s.EnqueueMessage(mqtt.Message{Topic: "a/b", QoS: mqtt.QoS0, Payload: []byte("retained")}, mqtt.QoS0))

	pkts := dequeueNow(t, s)
	require.Len(t, pkts, 2)
	_ = pkts[0].(session.ServerSubscribeAcknowledged)
	_ = pkts[1].(session.ServerPublish)
}

func TestSubscribePermissionDenialReflectedInGrant(t *testing.T) {
	s := session.New("c1", "p1", true, quota(4))
	granted := s.Subscribe(1, []session.FilterQoS{
		{Filter: "allowed", QoS: mqtt.QoS0},
		{Filter: "denied", QoS: mqtt.QoS0},
	}, []bool{true, false})

	require.Len(t, granted, 1)
	assert.Equal(t, mqtt.TopicFilter("allowed"), granted[0].Filter)

	pkts := dequeueNow(t, s)
	require.Len(t, pkts, 1)
	ack := pkts[0].(session.ServerSubscribeAcknowledged)
	require.Len(t, ack.Results, 2)
	assert.True(t, ack.Results[0].Granted)
	assert.False(t, ack.Results[1].Granted)
}

func TestUnsubscribeReturnsOnlyFiltersThatWerePresent(t *testing.T) {
	s := session.New("c1", "p1", true, quota(4))
	s.Subscribe(1, []session.FilterQoS{{Filter: "a", QoS: mqtt.QoS0}}, []bool{true})
	dequeueNow(t, s)

	removed := s.Unsubscribe(2, []mqtt.TopicFilter{"a", "b"})
	assert.Equal(t, []mqtt.TopicFilter{"a"}, removed)
}

func TestDequeueUnblocksOnContextCancellation(t *testing.T) {
	s := session.New("c1", "p1", true, quota(4))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []session.ServerPacket, 1)
	go func() { done <- s.Dequeue(ctx) }()
	cancel()

	select {
	case pkts := <-done:
		assert.Nil(t, pkts)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock on context cancellation")
	}
}
