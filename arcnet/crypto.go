package arcnet

// Post-authentication security layer (§4.D wrap/unwrap). The SASL
// mechanisms this adapter ships (PLAIN, ANONYMOUS) do not themselves
// negotiate a confidentiality layer, so a session key is derived out of
// band: the first SASL round piggybacks an X25519 public key from each
// side (see sasl.go), and once the mechanism completes both sides run
// HKDF-SHA256 over the shared secret to derive independent send/recv keys.
// AEADWrapper then seals/opens each message with ChaCha20-Poly1305, one
// frame per Wrap/Unwrap call, nonces derived from a per-direction counter
// so reordered or replayed frames are rejected (§5 "no reordering").

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// dataChunkSize is the fixed chunk size used when relaying the data
// channel through the security layer (Open Question (c) in spec.md §9:
// "implementations must pick a consistent chunk size and document it").
const dataChunkSize = 16 * 1024

// deriveDirectionalKeys runs HKDF-SHA256 over the ECDH shared secret,
// producing distinct keys for each direction so a reflected frame cannot
// be replayed back at its sender.
func deriveDirectionalKeys(secret []byte, clientToServerInfo, serverToClientInfo string) (c2s, s2c [chacha20poly1305.KeySize]byte, err error) {
	if err = fillKey(secret, []byte(clientToServerInfo), c2s[:]); err != nil {
		return
	}
	err = fillKey(secret, []byte(serverToClientInfo), s2c[:])
	return
}

func fillKey(secret, info, out []byte) error {
	r := hkdf.New(sha256.New, secret, nil, info)
	_, err := io.ReadFull(r, out)
	return err
}

// ecdhPair is a single-use X25519 keypair generated for one handshake.
type ecdhPair struct {
	priv *ecdh.PrivateKey
}

func newECDHPair() (*ecdhPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("arcnet: ecdh keygen: %w", err)
	}
	return &ecdhPair{priv: priv}, nil
}

func (p *ecdhPair) publicBytes() []byte {
	return p.priv.PublicKey().Bytes()
}

func (p *ecdhPair) sharedSecret(peerPub []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("arcnet: bad peer ecdh key: %w", err)
	}
	return p.priv.ECDH(pub)
}

// AEADWrapper implements Wrapper using ChaCha20-Poly1305 with independent
// send/recv keys and a strictly increasing per-direction nonce counter.
type AEADWrapper struct {
	mu        sync.Mutex
	sendKey   [chacha20poly1305.KeySize]byte
	recvKey   [chacha20poly1305.KeySize]byte
	sendSeq   uint64
	recvSeq   uint64
	lastRecvd uint64
	seenAny   bool
}

// NewAEADWrapper builds a Wrapper from the given directional keys.
func NewAEADWrapper(sendKey, recvKey [chacha20poly1305.KeySize]byte) *AEADWrapper {
	return &AEADWrapper{sendKey: sendKey, recvKey: recvKey}
}

func nonceFor(seq uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[4:], seq)
	return n
}

// Wrap seals plaintext under the send key with the next sequence number.
func (w *AEADWrapper) Wrap(plaintext []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	aead, err := chacha20poly1305.New(w.sendKey[:])
	if err != nil {
		return nil, err
	}
	nonce := nonceFor(w.sendSeq)
	w.sendSeq++
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Unwrap opens ciphertext with the recv key, rejecting any frame whose
// embedded nonce counter does not strictly increase (replay/reorder).
func (w *AEADWrapper) Unwrap(ciphertext []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(ciphertext) < chacha20poly1305.NonceSize {
		return nil, errors.New("arcnet: ciphertext too short")
	}
	nonce := ciphertext[:chacha20poly1305.NonceSize]
	seq := binary.BigEndian.Uint64(nonce[4:])
	if w.seenAny && seq <= w.lastRecvd {
		return nil, fmt.Errorf("arcnet: replayed or reordered frame (seq %d <= %d)", seq, w.lastRecvd)
	}

	aead, err := chacha20poly1305.New(w.recvKey[:])
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("arcnet: unwrap: %w", err)
	}
	w.lastRecvd = seq
	w.seenAny = true
	return plain, nil
}

// identityWrapper is the "identity pass-through" fallback for a mechanism
// that already negotiates its own protection layer (§4.D). None of the
// mechanisms this adapter ships enable it, but the engine supports it.
type identityWrapper struct{}

func (identityWrapper) Wrap(p []byte) ([]byte, error)   { return p, nil }
func (identityWrapper) Unwrap(p []byte) ([]byte, error) { return p, nil }
