package arcnet

// SASL adapter (§4.D): wraps github.com/emersion/go-sasl's mechanism
// exchange, piggybacking an X25519 key agreement on the first round so
// that wrap/unwrap (crypto.go) are available as soon as the mechanism
// reports completion, regardless of whether the mechanism itself
// negotiates a security layer.

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
)

const ecdhPubLen = 32

// ErrMechanismNotSupported is returned when init names a mechanism this
// adapter does not implement.
var ErrMechanismNotSupported = errors.New("arcnet: mechanism not supported")

// Mechanisms this adapter ships. A real GSSAPI/Kerberos mechanism could be
// added behind the same Negotiator interface; see SPEC_FULL.md.
const (
	MechPlain     = sasl.Plain
	MechAnonymous = sasl.Anonymous
)

// providesOwnSecurityLayer reports whether mech already negotiates its own
// confidentiality/integrity layer, in which case wrap/unwrap should be the
// identity pass-through named in §4.D rather than the derived AEAD layer.
// None of the mechanisms shipped here do; this exists so a future
// GSSAPI-backed mechanism can opt out of the ECDH-derived layer.
func providesOwnSecurityLayer(mech string) bool {
	return false
}

// Negotiator drives one SASL handshake for either role and, once the
// handshake completes, exposes the derived Wrapper.
type Negotiator struct {
	serverSide bool
	mech       string

	client sasl.Client
	server sasl.Server

	pair      *ecdhPair
	peerPub   []byte
	secret    []byte
	round     int
	done      bool
	identity  string  // server-side: set by the authenticator callback
	identityP *string // not set or read by this package
}

// NewClientNegotiator builds a client-side Negotiator for mech, using
// identity/username/password for PLAIN or trace for ANONYMOUS.
func NewClientNegotiator(mech, identity, username, password, trace string) (*Negotiator, error) {
	pair, err := newECDHPair()
	if err != nil {
		return nil, err
	}
	n := &Negotiator{serverSide: false, mech: mech, pair: pair}
	switch mech {
	case MechPlain:
		n.client = sasl.NewPlainClient(identity, username, password)
	case MechAnonymous:
		n.client = sasl.NewAnonymousClient(trace)
	default:
		return nil, fmt.Errorf("%w: %s", ErrMechanismNotSupported, mech)
	}
	return n, nil
}

// NewServerNegotiator builds a server-side Negotiator for mech. plainAuth
// is consulted for PLAIN; anonAuth for ANONYMOUS. Either may be nil if the
// mechanism is not configured as allowed.
func NewServerNegotiator(mech string, plainAuth sasl.PlainAuthenticator, anonAuth sasl.AnonymousAuthenticator) (*Negotiator, error) {
	pair, err := newECDHPair()
	if err != nil {
		return nil, err
	}
	n := &Negotiator{serverSide: true, mech: mech, pair: pair}
	switch mech {
	case MechPlain:
		if plainAuth == nil {
			return nil, fmt.Errorf("%w: PLAIN not configured", ErrMechanismNotSupported)
		}
		wrapped := func(identity, username, password string) error {
			err := plainAuth(identity, username, password)
			if err == nil {
				n.identity = username
			}
			return err
		}
		n.server = sasl.NewPlainServer(wrapped)
	case MechAnonymous:
		if anonAuth == nil {
			return nil, fmt.Errorf("%w: ANONYMOUS not configured", ErrMechanismNotSupported)
		}
		wrapped := func(trace string) error {
			err := anonAuth(trace)
			if err == nil {
				n.identity = "anonymous"
				if trace != "" {
					n.identity = trace
				}
			}
			return err
		}
		n.server = sasl.NewAnonymousServer(wrapped)
	default:
		return nil, fmt.Errorf("%w: %s", ErrMechanismNotSupported, mech)
	}
	return n, nil
}

// ClientFirst produces the first SASL-verb payload: the client's ECDH
// public key followed by the mechanism's initial response.
func (n *Negotiator) ClientFirst() ([]byte, error) {
	_, ir, err := n.client.Start()
	if err != nil {
		return nil, fmt.Errorf("arcnet: sasl start: %w", err)
	}
	return frame(n.pair.publicBytes(), ir), nil
}

// ClientReceive processes a server SASL-verb payload (on the first reply,
// the server's ECDH public key followed by a mechanism challenge, possibly
// empty; on later replies, the challenge alone) and, unless the mechanism
// is already done, returns the next client payload to send.
func (n *Negotiator) ClientReceive(serverPayload []byte) (next []byte, done bool, err error) {
	challenge := serverPayload
	if n.secret == nil {
		peerPub, rest, uerr := unframe(serverPayload)
		if uerr != nil {
			return nil, false, uerr
		}
		n.peerPub = peerPub
		n.secret, err = n.pair.sharedSecret(peerPub)
		if err != nil {
			return nil, false, err
		}
		challenge = rest
	}
	if len(challenge) == 0 {
		n.done = true
		return nil, true, nil
	}
	resp, err := n.client.Next(challenge)
	if err != nil {
		return nil, false, fmt.Errorf("arcnet: sasl next: %w", err)
	}
	return resp, false, nil
}

// ServerReceive processes a client SASL-verb payload. On the first round
// this is the client's ECDH public key followed by the mechanism's initial
// response; later rounds are plain mechanism bytes. It returns the
// server's next payload (its ECDH public key on the first round, the
// mechanism's challenge thereafter) and whether the mechanism is done.
func (n *Negotiator) ServerReceive(clientPayload []byte) (next []byte, done bool, err error) {
	var mechBytes []byte
	if n.round == 0 {
		peerPub, rest, ferr := unframe(clientPayload)
		if ferr != nil {
			return nil, false, ferr
		}
		n.peerPub = peerPub
		n.secret, err = n.pair.sharedSecret(peerPub)
		if err != nil {
			return nil, false, err
		}
		mechBytes = rest
	} else {
		mechBytes = clientPayload
	}
	n.round++

	challenge, done, serr := n.server.Next(mechBytes)
	if serr != nil {
		return nil, false, fmt.Errorf("arcnet: sasl reject: %w", serr)
	}
	n.done = done

	if n.round == 1 {
		// Always deliver our ECDH public key on the first reply, even if
		// the mechanism is already done, so the client can derive keys.
		return frame(n.pair.publicBytes(), challenge), done, nil
	}
	return challenge, done, nil
}

// Done reports whether the mechanism has completed.
func (n *Negotiator) Done() bool { return n.done }

// Identity returns the authenticated identity (server side only, valid
// once Done()).
func (n *Negotiator) Identity() string { return n.identity }

// Wrapper builds the post-auth Wrapper for this negotiated session. Must
// only be called once Done().
func (n *Negotiator) Wrapper() (Wrapper, error) {
	if !n.done {
		return nil, errors.New("arcnet: sasl: negotiation not complete")
	}
	if providesOwnSecurityLayer(n.mech) {
		return identityWrapper{}, nil
	}
	if n.secret == nil {
		return nil, errors.New("arcnet: sasl: no shared secret derived")
	}
	c2s, s2c, err := deriveDirectionalKeys(n.secret, "arc client->server", "arc server->client")
	if err != nil {
		return nil, err
	}
	if n.serverSide {
		return NewAEADWrapper(s2c, c2s), nil
	}
	return NewAEADWrapper(c2s, s2c), nil
}

// DataWrapper derives a second, independent Wrapper for the data channel
// from the same ECDH shared secret, using distinct HKDF labels so its
// nonce-counter keyspace never overlaps the control line's Wrapper (§4.F:
// the data channel is wrapped separately from control lines).
func (n *Negotiator) DataWrapper() (Wrapper, error) {
	if !n.done {
		return nil, errors.New("arcnet: sasl: negotiation not complete")
	}
	if providesOwnSecurityLayer(n.mech) {
		return identityWrapper{}, nil
	}
	if n.secret == nil {
		return nil, errors.New("arcnet: sasl: no shared secret derived")
	}
	c2s, s2c, err := deriveDirectionalKeys(n.secret, "arc data client->server", "arc data server->client")
	if err != nil {
		return nil, err
	}
	if n.serverSide {
		return NewAEADWrapper(s2c, c2s), nil
	}
	return NewAEADWrapper(c2s, s2c), nil
}

// frame prepends a fixed-size ECDH public key to an arbitrary-length
// mechanism payload, length-prefixing the latter so unframe can split them
// back apart unambiguously.
func frame(pub, payload []byte) []byte {
	out := make([]byte, 0, ecdhPubLen+4+len(payload))
	out = append(out, pub...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, payload...)
	return out
}

func unframe(in []byte) (pub, payload []byte, err error) {
	if len(in) < ecdhPubLen+4 {
		return nil, nil, errors.New("arcnet: sasl: short frame")
	}
	pub = in[:ecdhPubLen]
	n := binary.BigEndian.Uint32(in[ecdhPubLen : ecdhPubLen+4])
	rest := in[ecdhPubLen+4:]
	if uint32(len(rest)) < n {
		return nil, nil, errors.New("arcnet: sasl: truncated frame")
	}
	return pub, rest[:n], nil
}
