package camstream

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
)

// SessionDescription is the SDP value object exchanged with the remote
// signaling side. It crosses the boundary verbatim.
type SessionDescription struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// ICECandidate is the candidate value object from the remote signaling side.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_m_line_index,omitempty"`
}

// ICEServer configures one STUN/TURN server.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEConfig configures a transport session's connectivity.
type ICEConfig struct {
	Servers []ICEServer `json:"iceServers"`
}

// TransportSession wraps one peer connection and its lazily created video
// track (at most one per session).
type TransportSession struct {
	id string
	pc *webrtc.PeerConnection

	mu    sync.Mutex
	track *webrtc.TrackLocalStaticSample
}

// SessionManager creates and maintains transport sessions. The session table
// and the session→device bindings are owned exclusively by the manager.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*TransportSession
	bindings map[string]string // transport session id -> device id

	loggerFactory logging.LoggerFactory
	log           *logrus.Entry
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions:      make(map[string]*TransportSession),
		bindings:      make(map[string]string),
		loggerFactory: logging.NewDefaultLoggerFactory(),
		log:           logrus.WithField("component", "session-manager"),
	}
}

// CreateSession builds a peer connection with its own media engine and
// interceptor registry and returns the new session's id. A failure here
// corrupts nothing; the caller may simply retry.
func (m *SessionManager) CreateSession(config ICEConfig) (string, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return "", fmt.Errorf("register codecs: %w", err)
	}

	registry, err := defaultInterceptors(mediaEngine)
	if err != nil {
		return "", fmt.Errorf("register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{LoggerFactory: m.loggerFactory}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: toICEServers(config)})
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}

	sess := &TransportSession{id: uuid.NewString(), pc: pc}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	m.log.WithField("session", sess.id).Debug("transport session created")
	return sess.id, nil
}

// AttachVideoTrack creates the session's outbound H.264 video track and
// registers it with the peer connection. Idempotent: a second call is a
// no-op once a track exists.
func (m *SessionManager) AttachVideoTrack(sessionID string) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.track != nil {
		return nil
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"camstream-video", "camstream",
	)
	if err != nil {
		return fmt.Errorf("new video track: %w", err)
	}
	if _, err := sess.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add video track: %w", err)
	}

	sess.track = track
	return nil
}

// CreateOffer creates an offer and immediately commits it as the local
// description. If the commit fails the negotiation state is left unset and
// the caller should retry from offer creation.
func (m *SessionManager) CreateOffer(sessionID string) (SessionDescription, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return SessionDescription{}, err
	}

	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}

	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer creates an answer and immediately commits it as the local
// description.
func (m *SessionManager) CreateAnswer(sessionID string) (SessionDescription, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return SessionDescription{}, err
	}

	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}

	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// ApplyRemoteDescription parses a remote description according to its
// declared type and applies it. An unrecognized type fails without touching
// negotiation state.
func (m *SessionManager) ApplyRemoteDescription(sessionID string, desc SessionDescription) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}

	var sdpType webrtc.SDPType
	switch strings.ToLower(desc.Type) {
	case "offer":
		sdpType = webrtc.SDPTypeOffer
	case "answer":
		sdpType = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDescription, desc.Type)
	}

	remote := webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}
	if err := sess.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// AddICECandidate forwards a candidate to the transport engine verbatim.
// Ordering relative to description application is the caller's business.
func (m *SessionManager) AddICECandidate(sessionID string, candidate ICECandidate) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}

	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}
	if err := sess.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// ConnectionState returns the peer connection state as a string snapshot.
func (m *SessionManager) ConnectionState(sessionID string) (string, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return "", err
	}
	return sess.pc.ConnectionState().String(), nil
}

// BindDevice records which device feeds a session, for cleanup ordering when
// the session closes. It is a relation, not ownership.
func (m *SessionManager) BindDevice(sessionID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	m.bindings[sessionID] = deviceID
	return nil
}

// DeviceForSession returns the device bound to a session, if any.
func (m *SessionManager) DeviceForSession(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deviceID, ok := m.bindings[sessionID]
	return deviceID, ok
}

// CloseSession closes the underlying peer connection and removes the session
// and any device binding. A missing binding is fine; only an entirely
// unknown session id is an error.
func (m *SessionManager) CloseSession(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(m.sessions, sessionID)
	deviceID := m.bindings[sessionID]
	delete(m.bindings, sessionID)
	m.mu.Unlock()

	if err := sess.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}

	if deviceID != "" {
		m.log.WithFields(logrus.Fields{
			"session": sessionID,
			"device":  deviceID,
		}).Info("session closed; bound device stream is the caller's to stop")
	}
	return nil
}

// WriteSample pushes one encoded access unit onto the session's video track
// with the given per-sample duration.
func (m *SessionManager) WriteSample(sessionID string, data []byte, duration time.Duration) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	track := sess.track
	sess.mu.Unlock()
	if track == nil {
		return fmt.Errorf("%w: session %s", ErrNoVideoTrack, sessionID)
	}

	sample := media.Sample{
		Data:      data,
		Duration:  duration,
		Timestamp: time.Now(),
	}
	if err := track.WriteSample(sample); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	return nil
}

// SenderCount returns the number of RTP senders registered on a session.
func (m *SessionManager) SenderCount(sessionID string) (int, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return 0, err
	}
	return len(sess.pc.GetSenders()), nil
}

// CloseAll closes every session, best effort.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.CloseSession(id); err != nil {
			m.log.WithField("session", id).WithError(err).Warn("close during shutdown")
		}
	}
}

func (m *SessionManager) get(sessionID string) (*TransportSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

func defaultInterceptors(mediaEngine *webrtc.MediaEngine) (*interceptor.Registry, error) {
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}
	return registry, nil
}

func toICEServers(config ICEConfig) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(config.Servers))
	for _, s := range config.Servers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}
