package tcpcomm

import (
	"crypto/cipher"
	cryrand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/glycerine/flease"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// On the wire every frame is a 4-byte big-endian length
// followed by the body. With a pre-shared key the body is
//
//	nonce(24) || XChaCha20-Poly1305(plaintext)
//
// The first frame on a connection is the hello: helloMagic
// followed by the dialer's identity. Every later frame is
// one flease wire message.

const helloMagic = "flease-hello-v1:"

// maxFrame bounds what we will read; anything
// bigger is a broken or hostile peer.
const maxFrame = flease.MaxWireLen + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead + len(helloMagic)

// frame additional data, so a sealed hello cannot
// be replayed as a message, or the other way round.
var (
	adHello = []byte("hello")
	adMsg   = []byte("msg")
)

var ErrFrameTooBig = errors.New("tcpcomm: frame too big")

// deriveKey stretches the pre-shared key into the
// 32-byte XChaCha20-Poly1305 key.
func deriveKey(psk []byte) (key [chacha20poly1305.KeySize]byte, err error) {
	r := hkdf.New(sha256.New, psk, nil, []byte("flease-frame-v1"))
	_, err = io.ReadFull(r, key[:])
	return
}

// sealer protects frame bodies. A nil aead sends plaintext.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(psk []byte) (*sealer, error) {
	if len(psk) == 0 {
		return &sealer{}, nil
	}
	key, err := deriveKey(psk)
	if err != nil {
		return nil, errors.Wrap(err, "tcpcomm: deriving frame key")
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "tcpcomm: NewX")
	}
	return &sealer{aead: aead}, nil
}

// frame returns length || body for plaintext.
func (s *sealer) frame(plaintext, ad []byte) []byte {
	n := len(plaintext)
	if s.aead != nil {
		n += s.aead.NonceSize() + s.aead.Overhead()
	}
	out := make([]byte, 4, 4+n)
	binary.BigEndian.PutUint32(out, uint32(n))
	if s.aead == nil {
		return append(out, plaintext...)
	}
	nonce := make([]byte, s.aead.NonceSize())
	_, err := cryrand.Read(nonce)
	panicOn(err)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, ad)
}

func (s *sealer) open(body, ad []byte) ([]byte, error) {
	if s.aead == nil {
		return body, nil
	}
	ns := s.aead.NonceSize()
	if len(body) < ns+s.aead.Overhead() {
		return nil, fmt.Errorf("tcpcomm: sealed frame of %v bytes is too short", len(body))
	}
	pt, err := s.aead.Open(nil, body[:ns], body[ns:], ad)
	if err != nil {
		return nil, errors.Wrap(err, "tcpcomm: frame failed authentication")
	}
	return pt, nil
}

// readFrame reads one length-prefixed body. A zero
// timeout means no deadline.
func readFrame(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int64(n) > int64(maxFrame) {
		return nil, errors.Wrapf(ErrFrameTooBig, "%v > %v", n, maxFrame)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

func helloFor(me flease.Identity) []byte {
	return append([]byte(helloMagic), me...)
}

func parseHello(pt []byte) (flease.Identity, error) {
	if len(pt) <= len(helloMagic) || string(pt[:len(helloMagic)]) != helloMagic {
		return "", fmt.Errorf("tcpcomm: bad hello")
	}
	id := pt[len(helloMagic):]
	if len(id) > flease.MaxIDLen {
		return "", fmt.Errorf("tcpcomm: hello identity of %v bytes is too long", len(id))
	}
	return flease.Identity(id), nil
}
