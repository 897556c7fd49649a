package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsync/clipsync/internal/identity"
	"github.com/clipsync/clipsync/internal/wire"
)

type fakeAuth struct{ authorized bool }

func (f fakeAuth) IsAuthorized(string) bool { return f.authorized }

type captureHandler struct {
	mu       sync.Mutex
	payloads []StreamPayload
	closed   int
}

func (h *captureHandler) HandleStreamPayload(_ string, p StreamPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, p)
}

func (h *captureHandler) HandleSessionClosed(string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
}

func (h *captureHandler) received() []StreamPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]StreamPayload, len(h.payloads))
	copy(out, h.payloads)
	return out
}

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Load(filepath.Join(t.TempDir(), "id_ed25519"))
	require.NoError(t, err)
	return id
}

// TestStreamChunkSize_FitsWithinMaxFramePayload pins the bug a full-size
// chunk used to trip: its JSON/base64-encoded envelope must fit under the
// limit decodeFrame enforces on the receiving side, or every chunk at or
// near streamChunkSize fails the very first transfer.
func TestStreamChunkSize_FitsWithinMaxFramePayload(t *testing.T) {
	env := wire.StreamChunkMsg(wire.StreamChunk{
		StreamID: strings.Repeat("a", 32),
		Index:    999999,
		Bytes:    make([]byte, streamChunkSize),
	})
	raw, err := env.Encode()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(raw), maxFramePayload,
		"a full-size stream chunk must still fit under maxFramePayload once JSON/base64 encoded")
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, 1, chunkCount(0))
	assert.Equal(t, 1, chunkCount(100))
	assert.Equal(t, 2, chunkCount(streamChunkSize+1))

	size := 3 * 1024 * 1024
	want := (size + streamChunkSize - 1) / streamChunkSize
	assert.Equal(t, want, chunkCount(size))
}

func TestSeqBytesRoundTrip(t *testing.T) {
	for _, seq := range []uint64{0, 1, 255, 256, 1 << 40} {
		assert.Equal(t, seq, bytesToSeq(seqBytes(seq)))
	}
}

func TestDeriveSessionKeys_InitiatorAndResponderAgree(t *testing.T) {
	var myNonce, peerNonce [32]byte
	myNonce[0], peerNonce[0] = 1, 2
	myPub, peerPub := []byte("initiator-pub-32-bytes---------"), []byte("responder-pub-32-bytes---------")

	iSend, iRecv, err := deriveSessionKeys(myNonce[:], peerNonce[:], myPub, peerPub, true)
	require.NoError(t, err)
	rSend, rRecv, err := deriveSessionKeys(peerNonce[:], myNonce[:], peerPub, myPub, false)
	require.NoError(t, err)

	pt := []byte("hello session")
	nonce, ct, err := iSend.Seal(pt, nil)
	require.NoError(t, err)
	got, err := rRecv.Open(nonce, ct, nil)
	require.NoError(t, err)
	assert.Equal(t, pt, got)

	nonce2, ct2, err := rSend.Seal(pt, nil)
	require.NoError(t, err)
	got2, err := iRecv.Open(nonce2, ct2, nil)
	require.NoError(t, err)
	assert.Equal(t, pt, got2)
}

func TestIdentityFingerprint_RejectsWrongKeySize(t *testing.T) {
	_, err := identityFingerprint([]byte{1, 2, 3})
	assert.Error(t, err)
}

func newBareSession() *Session {
	return &Session{
		peerID:     "peer",
		sendCh:     make(chan *wire.Envelope, 8),
		closed:     make(chan struct{}),
		reassembly: make(map[string]*streamReassembly),
	}
}

func TestStreamReassembly_OutOfOrderChunkAborts(t *testing.T) {
	s := newBareSession()
	s.beginStream(wire.StreamStart{StreamID: "s1", TotalSize: 6, ChunkCount: 2, PlaintextSHA256: "x"})

	require.NoError(t, s.appendChunk(wire.StreamChunk{StreamID: "s1", Index: 1, Bytes: []byte("abc")}))

	select {
	case env := <-s.sendCh:
		assert.Equal(t, wire.TypeStreamAbort, env.Type)
		assert.Equal(t, wire.AbortOutOfOrder, env.StreamAbort.Reason)
	default:
		t.Fatal("expected an abort frame to be queued")
	}
}

func TestStreamReassembly_OverSizeChunkAborts(t *testing.T) {
	s := newBareSession()
	s.beginStream(wire.StreamStart{StreamID: "s1", TotalSize: 2, ChunkCount: 1, PlaintextSHA256: "x"})

	require.NoError(t, s.appendChunk(wire.StreamChunk{StreamID: "s1", Index: 0, Bytes: []byte("abc")}))

	select {
	case env := <-s.sendCh:
		assert.Equal(t, wire.AbortOverSize, env.StreamAbort.Reason)
	default:
		t.Fatal("expected an abort frame to be queued")
	}
}

func TestFinishStream_IntegrityMismatchAborts(t *testing.T) {
	s := newBareSession()
	s.beginStream(wire.StreamStart{StreamID: "s1", TotalSize: 3, ChunkCount: 1, PlaintextSHA256: strings.Repeat("0", 64)})
	require.NoError(t, s.appendChunk(wire.StreamChunk{StreamID: "s1", Index: 0, Bytes: []byte("abc")}))

	err := s.finishStream(wire.StreamEnd{StreamID: "s1"})
	require.Error(t, err)

	select {
	case env := <-s.sendCh:
		assert.Equal(t, wire.AbortIntegrityFailure, env.StreamAbort.Reason)
	default:
		t.Fatal("expected an abort frame to be queued")
	}
}

func TestFinishStream_UnknownStreamIsIgnored(t *testing.T) {
	s := newBareSession()
	assert.NoError(t, s.finishStream(wire.StreamEnd{StreamID: "ghost"}))
}

func TestCheckSequence_RejectsGapOrReplay(t *testing.T) {
	s := newBareSession()
	require.NoError(t, s.checkSequence(0))
	require.NoError(t, s.checkSequence(1))
	assert.Error(t, s.checkSequence(1), "replaying an already-consumed sequence number must fail")
	assert.Error(t, s.checkSequence(5), "a gap in the sequence must fail")
}

func TestEnqueueReplacingOldest_DropsOldestOnOverflow(t *testing.T) {
	s := &Session{peerID: "p", sendCh: make(chan *wire.Envelope, 2), closed: make(chan struct{})}
	dropped, err := s.enqueueReplacingOldest([]*wire.Envelope{wire.PingMsg()})
	require.NoError(t, err)
	assert.False(t, dropped)

	dropped, err = s.enqueueReplacingOldest([]*wire.Envelope{wire.PingMsg(), wire.PingMsg()})
	require.NoError(t, err)
	assert.True(t, dropped, "a queue that can't hold the new batch must drop the oldest queued content")
}

func TestEnqueueReplacingOldest_RejectsOnClosedSession(t *testing.T) {
	s := &Session{peerID: "p", sendCh: make(chan *wire.Envelope, 2), closed: make(chan struct{})}
	close(s.closed)
	_, err := s.enqueueReplacingOldest([]*wire.Envelope{wire.PingMsg()})
	assert.Error(t, err)
}

// TestHandshakeAndStream_LargePayloadRoundTrips drives a real handshake and
// chunked transfer over loopback WebSocket, the scenario the chunk-size fix
// above targets: a payload several times larger than one chunk must arrive
// byte-for-byte and sha256-verified on the other side.
func TestHandshakeAndStream_LargePayloadRoundTrips(t *testing.T) {
	serverID := newTestIdentity(t)
	clientID := newTestIdentity(t)

	serverHandler := &captureHandler{}
	sessCh := make(chan *Session, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		sess, err := Accept(conn, serverID, serverID.PeerID, fakeAuth{authorized: true}, serverHandler)
		if err != nil {
			errCh <- err
			return
		}
		sessCh <- sess
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	clientHandler := &captureHandler{}
	clientSession, err := Dial(context.Background(), addr, clientID, clientID.PeerID, fakeAuth{authorized: true}, clientHandler)
	require.NoError(t, err)
	defer clientSession.Close("test done")

	var serverSession *Session
	select {
	case serverSession = <-sessCh:
	case err := <-errCh:
		t.Fatalf("server handshake failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server-side session")
	}
	defer serverSession.Close("test done")

	payload := make([]byte, 3*1024*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	dropped, err := clientSession.Send(StreamPayload{
		MIMEType: "image/png", Bytes: payload, OriginNode: clientID.PeerID, OriginTimestamp: 1,
	})
	require.NoError(t, err)
	assert.False(t, dropped)

	require.Eventually(t, func() bool {
		return len(serverHandler.received()) == 1
	}, 5*time.Second, 20*time.Millisecond, "reassembled payload never arrived at the handler")

	got := serverHandler.received()[0]
	assert.Equal(t, payload, got.Bytes)
	assert.Equal(t, "image/png", got.MIMEType)
}

func TestDial_RejectsUnauthorizedPeer(t *testing.T) {
	serverID := newTestIdentity(t)
	clientID := newTestIdentity(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, _ = Accept(conn, serverID, serverID.PeerID, fakeAuth{authorized: false}, &captureHandler{})
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	_, err := Dial(context.Background(), addr, clientID, clientID.PeerID, fakeAuth{authorized: false}, &captureHandler{})
	assert.Error(t, err)
}
