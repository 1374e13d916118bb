package litedelta

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20"
)

// DeltaPageFlag is set on difference page numbers passed to a Transform so
// they never share a nonce with primary pages of the same number.
const DeltaPageFlag = 1 << 31

var _ Transform = (*ChaChaTransform)(nil)

// ChaChaTransform encrypts pages with XChaCha20. The nonce is derived from the
// page number so the transform is size preserving.
type ChaChaTransform struct {
	key [chacha20.KeySize]byte
}

// NewChaChaTransform returns a transform using a 32-byte key.
func NewChaChaTransform(key []byte) (*ChaChaTransform, error) {
	if len(key) != chacha20.KeySize {
		return nil, fmt.Errorf("invalid encryption key size: %d", len(key))
	}
	t := &ChaChaTransform{}
	copy(t.key[:], key)
	return t, nil
}

// ReadKeyFile reads a hex encoded 32-byte key from path.
func ReadKeyFile(path string) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	key, err := hex.DecodeString(string(bytes.TrimSpace(buf)))
	if err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	} else if len(key) != chacha20.KeySize {
		return nil, fmt.Errorf("invalid encryption key size: %d", len(key))
	}
	return key, nil
}

// EncodePage encrypts src into dst.
func (t *ChaChaTransform) EncodePage(pgno uint32, dst, src []byte) error {
	return t.xor(pgno, dst, src)
}

// DecodePage decrypts src into dst.
func (t *ChaChaTransform) DecodePage(pgno uint32, dst, src []byte) error {
	return t.xor(pgno, dst, src)
}

func (t *ChaChaTransform) xor(pgno uint32, dst, src []byte) error {
	nonce := make([]byte, chacha20.NonceSizeX)
	copy(nonce, HeaderMagic)
	binary.BigEndian.PutUint32(nonce[chacha20.NonceSizeX-4:], pgno)

	c, err := chacha20.NewUnauthenticatedCipher(t.key[:], nonce)
	if err != nil {
		return err
	}
	c.XORKeyStream(dst[:len(src)], src)
	return nil
}
