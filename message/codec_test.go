package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		pkt  Packet
	}{
		{"connect-basic", NewConnect("clientId", true, 60, nil, "", nil)},
		{"connect-will-auth", NewConnect("clientId", false, 30, &Will{Topic: "a/b", Payload: []byte("bye"), QoS: 1, Retain: true}, "user1", []byte("pass1"))},
		{"connack-accepted", NewConnAck(false, Accepted)},
		{"connack-badcreds", NewConnAck(false, BadCredentials)},
		{"publish-qos0", NewPublish("grand/foo/bar", []byte("onyx"), 0, false, false, 0)},
		{"publish-qos1-dup-retain", NewPublish("grand/foo/bar", []byte("onyx"), 1, true, true, 42)},
		{"puback", NewPubAck(7)},
		{"pubrec", NewPubRec(7)},
		{"pubrel", NewPubRel(7)},
		{"pubcomp", NewPubComp(7)},
		{"subscribe", NewSubscribe(9, []TopicFilter{{Filter: "grand/foo/bar", QoS: 1}, {Filter: "a/#", QoS: 2}})},
		{"suback", NewSubAck(9, []byte{1, 2, SubscribeFailure})},
		{"unsubscribe", NewUnsubscribe(11, []string{"grand/foo/bar", "a/#"})},
		{"unsuback", NewUnsubAck(11)},
		{"pingreq", NewPingReq()},
		{"pingresp", NewPingResp()},
		{"disconnect", NewDisconnect()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := append([]byte(nil), tc.pkt.Bytes()...)

			decoded, err := Decode(raw)
			require.NoError(t, err)
			require.Equal(t, tc.pkt.Type(), decoded.Type())
			require.Equal(t, raw, decoded.Bytes())

			if id, ok := tc.pkt.(Identifiable); ok {
				decodedID, ok := decoded.(Identifiable)
				require.True(t, ok)
				require.Equal(t, id.ID(), decodedID.ID())
			}
		})
	}
}

func TestSetDupTogglesWireByte(t *testing.T) {
	p := NewPublish("t", []byte("x"), 1, false, false, 5)
	require.False(t, p.Dup())
	require.Zero(t, p.Bytes()[0]&0x08)

	p.SetDup(true)
	require.True(t, p.Dup())
	require.NotZero(t, p.Bytes()[0]&0x08)

	decoded, err := Decode(p.Bytes())
	require.NoError(t, err)
	require.True(t, decoded.(*Publish).Dup())

	p.SetDup(false)
	require.Zero(t, p.Bytes()[0]&0x08)
}

func TestRemainingLengthBoundaries(t *testing.T) {
	// 130 bytes of payload forces a 2-byte remaining length field.
	payload := make([]byte, 130)
	p := NewPublish("t", payload, 0, false, false, 0)
	require.Len(t, p.Bytes(), 1+2+2+1+130) // fixed header + 2 len bytes + topic-len-prefix(2)+"t"(1) + payload

	decoded, err := Decode(p.Bytes())
	require.NoError(t, err)
	require.Equal(t, payload, decoded.(*Publish).Payload)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{0x30})
	require.ErrorIs(t, err, ErrMalformedPacket)

	_, err = Decode(nil)
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestAckableClassification(t *testing.T) {
	require.True(t, NewPublish("t", nil, 1, false, false, 1).Ackable())
	require.False(t, NewPublish("t", nil, 0, false, false, 0).Ackable())
	require.True(t, NewSubscribe(1, nil).Ackable())
	require.True(t, NewUnsubscribe(1, nil).Ackable())
	require.True(t, NewPubRel(1).Ackable())
	require.False(t, NewPubAck(1).Ackable())
	require.False(t, NewPubRec(1).Ackable())
	require.False(t, NewPubComp(1).Ackable())
	require.False(t, NewSubAck(1, nil).Ackable())
	require.False(t, NewUnsubAck(1).Ackable())
}
