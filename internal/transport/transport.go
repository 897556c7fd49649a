// Package transport implements the per-peer authenticated, full-duplex
// framed channel (spec §4.8): a key-signed handshake over a WebSocket
// connection, HKDF-derived per-direction session AEAD keys, strictly
// ordered sequence-numbered frames, and chunked streaming of large
// payloads with integrity checks. Grounded on the teacher's tcppeer+wire
// pairing — a buffered conn wrapper, a per-peer send channel, read/write/
// ping goroutines — re-keyed onto Ed25519 signed handshakes and HKDF
// session keys (teacher's internal/crypto) instead of a shared passphrase,
// and carried over github.com/gorilla/websocket instead of a raw TCP
// net.Conn since the spec specifies WebSocket framing.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/ssh"

	"github.com/clipsync/clipsync/internal/aead"
	"github.com/clipsync/clipsync/internal/clipsyncerr"
	"github.com/clipsync/clipsync/internal/config"
	"github.com/clipsync/clipsync/internal/identity"
	"github.com/clipsync/clipsync/internal/wire"
)

// hashState is the running hash.Hash used to verify a chunked stream's
// integrity incrementally as chunks arrive, rather than buffering the
// whole payload before hashing.
type hashState = hash.Hash

const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongDeadline     = 45 * time.Second
	// maxFramePayload bounds the decrypted, still-JSON-encoded frame body
	// decodeFrame checks against. streamChunkSize is deliberately well below
	// it: a StreamChunk's raw Bytes are base64-encoded by encoding/json
	// (roughly +33%) and wrapped in the envelope's JSON structure, so a
	// chunk of raw bytes this size must still decode to well under
	// maxFramePayload once base64'd and enveloped.
	maxFramePayload       = 64 * 1024
	streamChunkSize       = 46 * 1024
	streamChunkDeadline   = time.Second
	streamTotalDeadline   = 30 * time.Second
	outboundQueueCapacity = 16
)

var hkdfInfo = []byte("clipsync-v1-session-keys")

// directionA/B tag the AEAD nonce's first byte so that the two directional
// keys of one session never reuse a (key, nonce) pair even if both sides
// happen to reach the same sequence number.
const (
	directionInitiatorToResponder byte = 0x01
	directionResponderToInitiator byte = 0x02
)

// AuthResolver decides whether a peer's announced public key is trusted,
// i.e. present in authorized_keys ∪ static_peers (spec §4.8 step 2).
// Implemented by the trust package plus config's static peer list in the
// daemon's wiring layer, kept abstract here to avoid an import cycle.
type AuthResolver interface {
	IsAuthorized(fingerprint string) bool
}

// Handler processes application-level payloads reconstituted from a
// session's stream frames, and is told about lifecycle events. Implemented
// by the sync coordinator.
type Handler interface {
	HandleStreamPayload(peerID string, p StreamPayload)
	HandleSessionClosed(peerID string, err error)
}

// StreamPayload is a fully reassembled chunked transfer, handed to Handler
// once StreamEnd's hash has been verified.
type StreamPayload struct {
	MIMEType        string
	Bytes           []byte
	OriginNode      string
	OriginTimestamp int64
}

// Session is one authenticated bidirectional channel to a single peer. The
// SyncCoordinator holds only a send-handle to it (message passing) — it
// never touches the socket directly (spec §3 ownership rules).
type Session struct {
	peerID      string
	fingerprint string
	conn        *websocket.Conn
	direction   string // "inbound" | "outbound"

	sendKey   aead.Cipher
	recvKey   aead.Cipher
	sendDirTag byte
	recvDirTag byte

	outSeq atomic.Uint64
	inSeq  atomic.Uint64

	sendCh chan *wire.Envelope
	closed chan struct{}
	closeOnce sync.Once
	closeErr  error

	handler Handler

	mu          sync.Mutex
	lastRx      time.Time
	lastTx      time.Time
	reassembly  map[string]*streamReassembly
}

type streamReassembly struct {
	start     wire.StreamStart
	received  int64
	nextIndex int
	hasher    hashState
	buf       []byte
	started   time.Time
	lastChunk time.Time
}

// handshakeResult is the outcome of a completed handshake.
type handshakeResult struct {
	peerID       string
	fingerprint  string
	sendCipher   aead.Cipher
	recvCipher   aead.Cipher
	sendDirTag   byte
	recvDirTag   byte
}

// Dial opens an outbound WebSocket connection to addr and performs the
// client side of the handshake.
func Dial(ctx context.Context, addr string, self *identity.Identity, selfPeerID string, auth AuthResolver, handler Handler) (*Session, error) {
	const op = "transport.Dial"

	u := fmt.Sprintf("ws://%s/clipsync", addr)
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, clipsyncerr.New(clipsyncerr.KindTimeout, op, err)
	}

	hr, err := handshake(conn, self, selfPeerID, true, auth)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return newSession(conn, "outbound", hr, handler), nil
}

// Accept performs the server side of the handshake over an already-upgraded
// WebSocket connection (the caller owns the http.ResponseWriter/Request
// upgrade via Upgrader, below).
func Accept(conn *websocket.Conn, self *identity.Identity, selfPeerID string, auth AuthResolver, handler Handler) (*Session, error) {
	hr, err := handshake(conn, self, selfPeerID, false, auth)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newSession(conn, "inbound", hr, handler), nil
}

// Upgrader is the shared gorilla/websocket upgrader used by the listener
// side; exposed so cmd/clipsyncd's HTTP mux can wire it to the right path.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  maxFramePayload,
	WriteBufferSize: maxFramePayload,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// handshake performs the five-step authenticated handshake of spec §4.8 on
// an already-connected WebSocket, yielding the directional AEAD session
// keys. Both sides run the identical exchange; isInitiator only affects
// which directional HKDF tag (and AEAD nonce direction byte) each side
// uses for sending versus receiving.
func handshake(conn *websocket.Conn, self *identity.Identity, selfPeerID string, isInitiator bool, auth AuthResolver) (handshakeResult, error) {
	const op = "transport.handshake"
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var myNonce [32]byte
	if _, err := rand.Read(myNonce[:]); err != nil {
		return handshakeResult{}, clipsyncerr.New(clipsyncerr.KindAuthFailed, op, err)
	}

	hello := wire.HelloMsg(wire.Hello{
		ProtocolVersion: wire.ProtocolVersion,
		PeerID:          selfPeerID,
		PublicKey:       self.PublicKey,
		Nonce:           myNonce[:],
	})
	if err := writeHandshakeMsg(conn, hello); err != nil {
		return handshakeResult{}, clipsyncerr.New(clipsyncerr.KindAuthFailed, op, err)
	}

	peerHello, err := readHandshakeMsg(conn)
	if err != nil {
		return handshakeResult{}, clipsyncerr.New(clipsyncerr.KindAuthFailed, op, err)
	}
	if peerHello.Type != wire.TypeHello || peerHello.Hello == nil {
		return handshakeResult{}, clipsyncerr.New(clipsyncerr.KindProtocolViolation, op, fmt.Errorf("expected HELLO, got %s", peerHello.Type))
	}
	if peerHello.Hello.ProtocolVersion != wire.ProtocolVersion {
		return handshakeResult{}, clipsyncerr.New(clipsyncerr.KindVersionMismatch, op,
			fmt.Errorf("peer protocol version %d incompatible with %d", peerHello.Hello.ProtocolVersion, wire.ProtocolVersion))
	}

	fingerprint, err := identityFingerprint(peerHello.Hello.PublicKey)
	if err != nil {
		return handshakeResult{}, clipsyncerr.New(clipsyncerr.KindUnauthorized, op, err)
	}
	if auth != nil && !auth.IsAuthorized(fingerprint) {
		return handshakeResult{}, clipsyncerr.New(clipsyncerr.KindUnauthorized, op,
			fmt.Errorf("peer %s (%s) is not in authorized_keys or static_peers", peerHello.Hello.PeerID, fingerprint))
	}

	sigMsg := challengeMessage(myNonce[:], peerHello.Hello.Nonce)
	challenge := wire.AuthChallengeMsg(wire.AuthChallenge{Signature: self.Sign(sigMsg)})
	if err := writeHandshakeMsg(conn, challenge); err != nil {
		return handshakeResult{}, clipsyncerr.New(clipsyncerr.KindAuthFailed, op, err)
	}

	peerChallenge, err := readHandshakeMsg(conn)
	if err != nil {
		return handshakeResult{}, clipsyncerr.New(clipsyncerr.KindAuthFailed, op, err)
	}
	if peerChallenge.Type != wire.TypeAuthChallenge || peerChallenge.AuthChallenge == nil {
		return handshakeResult{}, clipsyncerr.New(clipsyncerr.KindProtocolViolation, op,
			fmt.Errorf("expected AUTH_CHALLENGE, got %s", peerChallenge.Type))
	}
	peerSigMsg := challengeMessage(peerHello.Hello.Nonce, myNonce[:])
	if !identity.Verify(peerHello.Hello.PublicKey, peerSigMsg, peerChallenge.AuthChallenge.Signature) {
		return handshakeResult{}, clipsyncerr.New(clipsyncerr.KindAuthFailed, op, fmt.Errorf("signature verification failed for peer %s", peerHello.Hello.PeerID))
	}

	sendCipher, recvCipher, err := deriveSessionKeys(myNonce[:], peerHello.Hello.Nonce, self.PublicKey, peerHello.Hello.PublicKey, isInitiator)
	if err != nil {
		return handshakeResult{}, clipsyncerr.New(clipsyncerr.KindAuthFailed, op, err)
	}

	sendTag, recvTag := directionInitiatorToResponder, directionResponderToInitiator
	if !isInitiator {
		sendTag, recvTag = directionResponderToInitiator, directionInitiatorToResponder
	}

	return handshakeResult{
		peerID:      peerHello.Hello.PeerID,
		fingerprint: fingerprint,
		sendCipher:  sendCipher,
		recvCipher:  recvCipher,
		sendDirTag:  sendTag,
		recvDirTag:  recvTag,
	}, nil
}

// challengeMessage is the exact byte string each side signs: its own nonce,
// the peer's nonce, and the protocol domain separator (spec §4.8 step 3).
func challengeMessage(myNonce, peerNonce []byte) []byte {
	msg := make([]byte, 0, len(myNonce)+len(peerNonce)+len("clipsync-v1"))
	msg = append(msg, myNonce...)
	msg = append(msg, peerNonce...)
	msg = append(msg, []byte("clipsync-v1")...)
	return msg
}

// deriveSessionKeys runs HKDF-SHA256 over the concatenated nonces and both
// public keys to derive two independent directional AEAD keys (spec §4.8
// step 5). The initiator's "initiator→responder" key becomes its send key
// and the responder's recv key, and vice versa. Session frames always use
// AES-256-GCM regardless of config.Encryption, matching the teacher's
// crypto package always picking one concrete primitive for the wire layer
// separately from whatever the caller configures for data-at-rest.
func deriveSessionKeys(myNonce, peerNonce, myPub, peerPub []byte, isInitiator bool) (send, recv aead.Cipher, err error) {
	var initiatorNonce, responderNonce, initiatorPub, responderPub []byte
	if isInitiator {
		initiatorNonce, responderNonce = myNonce, peerNonce
		initiatorPub, responderPub = myPub, peerPub
	} else {
		initiatorNonce, responderNonce = peerNonce, myNonce
		initiatorPub, responderPub = peerPub, myPub
	}

	ikm := make([]byte, 0, len(initiatorNonce)+len(responderNonce)+len(initiatorPub)+len(responderPub))
	ikm = append(ikm, initiatorNonce...)
	ikm = append(ikm, responderNonce...)
	ikm = append(ikm, initiatorPub...)
	ikm = append(ikm, responderPub...)

	r := hkdf.New(sha256.New, ikm, nil, hkdfInfo)

	i2rKey := make([]byte, aead.KeySize)
	r2iKey := make([]byte, aead.KeySize)
	if _, err := io.ReadFull(r, i2rKey); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(r, r2iKey); err != nil {
		return nil, nil, err
	}

	i2r, err := aead.New(config.EncryptionAES256GCM, i2rKey)
	if err != nil {
		return nil, nil, err
	}
	r2i, err := aead.New(config.EncryptionAES256GCM, r2iKey)
	if err != nil {
		return nil, nil, err
	}

	if isInitiator {
		return i2r, r2i, nil
	}
	return r2i, i2r, nil
}

// identityFingerprint renders the same "SHA256:<base64>" fingerprint the
// identity package derives for the local node, so a peer's announced raw
// Ed25519 public key bytes compare equal to fingerprints recorded by
// TrustStore from authorized_keys lines.
func identityFingerprint(rawPub []byte) (string, error) {
	if len(rawPub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("unexpected public key size %d", len(rawPub))
	}
	sshPub, err := ssh.NewPublicKey(ed25519.PublicKey(rawPub))
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	return identity.Fingerprint(sshPub), nil
}

func writeHandshakeMsg(conn *websocket.Conn, env *wire.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func readHandshakeMsg(conn *websocket.Conn) (*wire.Envelope, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return wire.Decode(raw)
}

func newSession(conn *websocket.Conn, direction string, hr handshakeResult, handler Handler) *Session {
	s := &Session{
		peerID:      hr.peerID,
		fingerprint: hr.fingerprint,
		conn:        conn,
		direction:   direction,
		sendKey:    hr.sendCipher,
		recvKey:    hr.recvCipher,
		sendDirTag: hr.sendDirTag,
		recvDirTag: hr.recvDirTag,
		sendCh:     make(chan *wire.Envelope, outboundQueueCapacity),
		closed:     make(chan struct{}),
		handler:    handler,
		reassembly: make(map[string]*streamReassembly),
	}
	now := time.Now()
	s.lastRx, s.lastTx = now, now

	go s.writeLoop()
	go s.readLoop()
	go s.pingLoop()
	return s
}

// PeerID returns the remote peer's stable peer_id (spec's 128-bit value).
func (s *Session) PeerID() string { return s.peerID }

// Fingerprint returns the remote peer's key fingerprint, as recorded by
// TrustStore — distinct from PeerID (spec's data model): the fingerprint
// changes if the peer rotates its key, PeerID does not.
func (s *Session) Fingerprint() string { return s.fingerprint }

// Send enqueues a StreamPayload for chunked transmission. Per spec §5
// backpressure: on a full queue the oldest queued update is dropped in
// favor of the newest. Returns true if the payload was enqueued (possibly
// displacing an older one), false if the session is already closed.
func (s *Session) Send(p StreamPayload) (dropped bool, err error) {
	streamID := newStreamID()
	chunks := chunkCount(len(p.Bytes))
	sum := sha256.Sum256(p.Bytes)

	start := wire.StreamStartMsg(wire.StreamStart{
		StreamID:        streamID,
		TotalSize:       int64(len(p.Bytes)),
		ChunkCount:      chunks,
		MIMEType:        p.MIMEType,
		PlaintextSHA256: hex.EncodeToString(sum[:]),
		OriginNode:      p.OriginNode,
		OriginTimestamp: p.OriginTimestamp,
	})

	msgs := make([]*wire.Envelope, 0, chunks+2)
	msgs = append(msgs, start)
	for i := 0; i < chunks; i++ {
		lo := i * streamChunkSize
		hi := lo + streamChunkSize
		if hi > len(p.Bytes) {
			hi = len(p.Bytes)
		}
		msgs = append(msgs, wire.StreamChunkMsg(wire.StreamChunk{StreamID: streamID, Index: i, Bytes: p.Bytes[lo:hi]}))
	}
	msgs = append(msgs, wire.StreamEndMsg(streamID))

	return s.enqueueReplacingOldest(msgs)
}

// enqueueReplacingOldest implements the "drop oldest queued clipboard
// update in favor of the newest" backpressure rule (spec §5). Since a full
// transfer is multiple frames, this drains the channel entirely on
// overflow and refills with the new transfer — the only queued "clipboard
// update" that matters is the most recent one.
func (s *Session) enqueueReplacingOldest(msgs []*wire.Envelope) (dropped bool, err error) {
	select {
	case <-s.closed:
		return false, fmt.Errorf("transport: session to %s is closed", s.peerID)
	default:
	}

	if len(s.sendCh)+len(msgs) > cap(s.sendCh) {
		dropped = true
	drain:
		for {
			select {
			case <-s.sendCh:
			default:
				break drain
			}
		}
	}
	for _, m := range msgs {
		select {
		case s.sendCh <- m:
		case <-s.closed:
			return dropped, fmt.Errorf("transport: session to %s closed mid-send", s.peerID)
		}
	}
	return dropped, nil
}

// Close sends a Bye frame and tears down the session.
func (s *Session) Close(reason string) error {
	s.closeOnce.Do(func() {
		select {
		case s.sendCh <- wire.ByeMsg(reason):
		default:
		}
		time.Sleep(50 * time.Millisecond) // best-effort flush of the Bye frame
		close(s.closed)
		s.conn.Close()
	})
	return s.closeErr
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case env := <-s.sendCh:
			if err := s.writeFrame(env); err != nil {
				slog.Warn("transport write failed", "peer", s.peerID, "err", err)
				s.fail(err)
				return
			}
		}
	}
}

func (s *Session) writeFrame(env *wire.Envelope) error {
	plaintext, err := env.Encode()
	if err != nil {
		return err
	}
	seq := s.outSeq.Add(1) - 1
	nonce := aead.SequenceNonce(s.sendDirTag, seq)
	ciphertext, err := s.sendKey.SealAt(nonce, plaintext, nonceAAD(seq))
	if err != nil {
		return err
	}
	frame := append(append([]byte{}, seqBytes(seq)...), ciphertext...)
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *Session) readLoop() {
	var closeErr error
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
		env, seq, err := s.decodeFrame(raw)
		if err != nil {
			closeErr = clipsyncerr.New(clipsyncerr.KindProtocolViolation, "transport.readLoop", err)
			break
		}
		if err := s.checkSequence(seq); err != nil {
			closeErr = err
			break
		}

		s.mu.Lock()
		s.lastRx = time.Now()
		s.mu.Unlock()

		if err := s.dispatch(env); err != nil {
			closeErr = err
			break
		}
	}
	s.fail(closeErr)
}

func (s *Session) decodeFrame(raw []byte) (*wire.Envelope, uint64, error) {
	if len(raw) < 8 {
		return nil, 0, fmt.Errorf("frame too short")
	}
	seq := bytesToSeq(raw[:8])
	ciphertext := raw[8:]
	plaintext, err := s.recvKey.Open(aead.SequenceNonce(s.recvDirTag, seq), ciphertext, nonceAAD(seq))
	if err != nil {
		return nil, 0, fmt.Errorf("open frame: %w", err)
	}
	if len(plaintext) > maxFramePayload {
		return nil, 0, fmt.Errorf("frame payload exceeds %d bytes", maxFramePayload)
	}
	env, err := wire.Decode(plaintext)
	if err != nil {
		return nil, 0, err
	}
	return env, seq, nil
}

// checkSequence enforces spec §4.8/§5: per-session sequence numbers are
// monotonic and enforced; a gap or replay closes the session.
func (s *Session) checkSequence(seq uint64) error {
	expected := s.inSeq.Load()
	if seq != expected {
		return clipsyncerr.New(clipsyncerr.KindProtocolViolation, "transport.checkSequence",
			fmt.Errorf("expected sequence %d, got %d", expected, seq))
	}
	s.inSeq.Store(expected + 1)
	return nil
}

func (s *Session) dispatch(env *wire.Envelope) error {
	switch env.Type {
	case wire.TypePing:
		select {
		case s.sendCh <- wire.PongMsg():
		default:
		}
	case wire.TypePong:
		// lastRx already updated
	case wire.TypeBye:
		return fmt.Errorf("peer closed: %s", env.Bye.Reason)
	case wire.TypeStreamStart:
		s.beginStream(*env.StreamStart)
	case wire.TypeStreamChunk:
		return s.appendChunk(*env.StreamChunk)
	case wire.TypeStreamEnd:
		return s.finishStream(*env.StreamEnd)
	case wire.TypeStreamAbort:
		s.mu.Lock()
		delete(s.reassembly, env.StreamAbort.StreamID)
		s.mu.Unlock()
	default:
		return fmt.Errorf("unexpected frame type %s on established session", env.Type)
	}
	return nil
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			select {
			case s.sendCh <- wire.PingMsg():
			default:
			}
			s.mu.Lock()
			sinceRx := time.Since(s.lastRx)
			s.mu.Unlock()
			if sinceRx > pongDeadline {
				s.fail(clipsyncerr.New(clipsyncerr.KindTimeout, "transport.pingLoop", fmt.Errorf("no traffic for %s", sinceRx)))
				return
			}
		}
	}
}

func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closed)
		s.conn.Close()
	})
	if s.handler != nil {
		s.handler.HandleSessionClosed(s.peerID, err)
	}
}

func nonceAAD(seq uint64) []byte {
	return []byte(fmt.Sprintf("clipsync-frame-%d", seq))
}

func seqBytes(seq uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(seq >> (8 * i))
	}
	return b
}

func bytesToSeq(b []byte) uint64 {
	var seq uint64
	for i := 0; i < 8; i++ {
		seq = (seq << 8) | uint64(b[i])
	}
	return seq
}

func chunkCount(totalSize int) int {
	if totalSize == 0 {
		return 1
	}
	return (totalSize + streamChunkSize - 1) / streamChunkSize
}

func newStreamID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// ── stream reassembly (spec §4.8) ───────────────────────────────────────

// beginStream starts reassembly state for a new chunked transfer. A
// StreamStart for a stream_id already in progress replaces it — the sender
// never restarts a stream it already opened.
func (s *Session) beginStream(start wire.StreamStart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.reassembly[start.StreamID] = &streamReassembly{
		start:     start,
		hasher:    sha256.New(),
		started:   now,
		lastChunk: now,
	}
}

// appendChunk validates ordering and size bounds for one chunk, aborting
// the stream (spec §4.8) on any violation.
func (s *Session) appendChunk(c wire.StreamChunk) error {
	s.mu.Lock()
	r, ok := s.reassembly[c.StreamID]
	if !ok {
		s.mu.Unlock()
		return nil // chunk for an unknown/already-finished stream: ignore
	}

	now := time.Now()
	if c.Index != r.nextIndex {
		delete(s.reassembly, c.StreamID)
		s.mu.Unlock()
		s.abortStream(c.StreamID, wire.AbortOutOfOrder)
		return nil
	}
	if now.Sub(r.lastChunk) > streamChunkDeadline || now.Sub(r.started) > streamTotalDeadline {
		delete(s.reassembly, c.StreamID)
		s.mu.Unlock()
		s.abortStream(c.StreamID, wire.AbortDeadlineExceeded)
		return nil
	}
	r.received += int64(len(c.Bytes))
	if r.received > r.start.TotalSize {
		delete(s.reassembly, c.StreamID)
		s.mu.Unlock()
		s.abortStream(c.StreamID, wire.AbortOverSize)
		return nil
	}

	r.hasher.Write(c.Bytes)
	r.buf = append(r.buf, c.Bytes...)
	r.nextIndex++
	r.lastChunk = now
	s.mu.Unlock()
	return nil
}

// finishStream validates the completed transfer's integrity and hands it
// to Handler, or aborts on mismatch (spec §8 invariant 6).
func (s *Session) finishStream(end wire.StreamEnd) error {
	s.mu.Lock()
	r, ok := s.reassembly[end.StreamID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.reassembly, end.StreamID)
	s.mu.Unlock()

	if r.received != r.start.TotalSize {
		s.abortStream(end.StreamID, wire.AbortOverSize)
		return nil
	}
	sum := hex.EncodeToString(r.hasher.Sum(nil))
	if sum != r.start.PlaintextSHA256 {
		s.abortStream(end.StreamID, wire.AbortIntegrityFailure)
		return clipsyncerr.New(clipsyncerr.KindIntegrityFailure, "transport.finishStream",
			fmt.Errorf("stream %s sha256 mismatch", end.StreamID))
	}

	if s.handler != nil {
		s.handler.HandleStreamPayload(s.peerID, StreamPayload{
			MIMEType:        r.start.MIMEType,
			Bytes:           r.buf,
			OriginNode:      r.start.OriginNode,
			OriginTimestamp: r.start.OriginTimestamp,
		})
	}
	return nil
}

func (s *Session) abortStream(streamID string, reason wire.AbortReason) {
	select {
	case s.sendCh <- wire.StreamAbortMsg(streamID, reason):
	default:
	}
	slog.Warn("transport: aborting stream", "peer", s.peerID, "stream", streamID, "reason", reason)
}
