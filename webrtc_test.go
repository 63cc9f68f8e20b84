package camstream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionAndOffer(t *testing.T) {
	m := NewSessionManager()
	defer m.CloseAll()

	id, err := m.CreateSession(ICEConfig{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, m.AttachVideoTrack(id))

	offer, err := m.CreateOffer(id)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Contains(t, offer.SDP, "m=video")
}

func TestAttachVideoTrackIdempotent(t *testing.T) {
	m := NewSessionManager()
	defer m.CloseAll()

	id, err := m.CreateSession(ICEConfig{})
	require.NoError(t, err)

	require.NoError(t, m.AttachVideoTrack(id))
	require.NoError(t, m.AttachVideoTrack(id))

	n, err := m.SenderCount(id)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "second attach must not add a second sender")
}

func TestOfferAnswerNegotiation(t *testing.T) {
	m := NewSessionManager()
	defer m.CloseAll()

	sender, err := m.CreateSession(ICEConfig{})
	require.NoError(t, err)
	require.NoError(t, m.AttachVideoTrack(sender))
	receiver, err := m.CreateSession(ICEConfig{})
	require.NoError(t, err)

	offer, err := m.CreateOffer(sender)
	require.NoError(t, err)

	require.NoError(t, m.ApplyRemoteDescription(receiver, offer))
	answer, err := m.CreateAnswer(receiver)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)

	require.NoError(t, m.ApplyRemoteDescription(sender, answer))
}

func TestApplyRemoteDescriptionRejectsUnknownType(t *testing.T) {
	m := NewSessionManager()
	defer m.CloseAll()

	id, err := m.CreateSession(ICEConfig{})
	require.NoError(t, err)

	err = m.ApplyRemoteDescription(id, SessionDescription{Type: "rollback", SDP: "v=0"})
	assert.ErrorIs(t, err, ErrUnsupportedDescription)

	// Mixed case is accepted; the SDP itself is garbage so the engine
	// rejects it, but not with the type error.
	err = m.ApplyRemoteDescription(id, SessionDescription{Type: "Offer", SDP: "v=0"})
	assert.NotErrorIs(t, err, ErrUnsupportedDescription)
}

func TestSessionLookupFailures(t *testing.T) {
	m := NewSessionManager()

	_, err := m.CreateOffer("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.CreateAnswer("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.AttachVideoTrack("nope"), ErrSessionNotFound)
	assert.ErrorIs(t, m.CloseSession("nope"), ErrSessionNotFound)
	assert.ErrorIs(t, m.BindDevice("nope", "cam0"), ErrSessionNotFound)
	_, err = m.ConnectionState("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCloseSessionRemovesBinding(t *testing.T) {
	m := NewSessionManager()

	id, err := m.CreateSession(ICEConfig{})
	require.NoError(t, err)
	require.NoError(t, m.BindDevice(id, "cam0"))

	device, ok := m.DeviceForSession(id)
	require.True(t, ok)
	assert.Equal(t, "cam0", device)

	require.NoError(t, m.CloseSession(id))
	_, ok = m.DeviceForSession(id)
	assert.False(t, ok)

	// The id is gone for every operation, including a second close.
	assert.ErrorIs(t, m.CloseSession(id), ErrSessionNotFound)
	_, err = m.ConnectionState(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestWriteSampleWithoutTrack(t *testing.T) {
	m := NewSessionManager()
	defer m.CloseAll()

	id, err := m.CreateSession(ICEConfig{})
	require.NoError(t, err)

	err = m.WriteSample(id, []byte{0x00, 0x01}, 33*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoVideoTrack)

	// With a track the write succeeds even before negotiation; it just has
	// nowhere to go yet.
	require.NoError(t, m.AttachVideoTrack(id))
	assert.NoError(t, m.WriteSample(id, []byte{0x00, 0x01}, 33*time.Millisecond))
}

func TestConnectionStateSnapshot(t *testing.T) {
	m := NewSessionManager()
	defer m.CloseAll()

	id, err := m.CreateSession(ICEConfig{})
	require.NoError(t, err)

	state, err := m.ConnectionState(id)
	require.NoError(t, err)
	assert.Equal(t, "new", state)
}

func TestSignalingWireShapes(t *testing.T) {
	// The candidate's optional fields use snake_case on the wire and vanish
	// when unset.
	mid := "0"
	raw, err := json.Marshal(ICECandidate{Candidate: "candidate:1", SDPMid: &mid})
	require.NoError(t, err)
	assert.JSONEq(t, `{"candidate":"candidate:1","sdp_mid":"0"}`, string(raw))

	raw, err = json.Marshal(ICECandidate{Candidate: "candidate:2"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"candidate":"candidate:2"}`, string(raw))

	var desc SessionDescription
	require.NoError(t, json.Unmarshal([]byte(`{"type":"offer","sdp":"v=0"}`), &desc))
	assert.Equal(t, "offer", desc.Type)
	assert.Equal(t, "v=0", desc.SDP)
}
