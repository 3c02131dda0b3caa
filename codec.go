package authstore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/nacl/secretbox"
)

// NonceSize is the fixed width of the random nonce prefixed to every
// encrypted field value. The wire form is base64(nonce ‖ ciphertext).
const NonceSize = 12

// Codec transforms field bytes on their way to and from the durable tier:
// compress, then encrypt, with the nonce prefix layout above. Implementations
// must be safe for concurrent use.
type Codec interface {
	Encode(plaintext []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// NewCodec builds the codec described by the security config. The master key
// must be 64 hex characters (32 bytes) when encryption is enabled.
func NewCodec(security SecurityConfig, masterKey string) (Codec, error) {
	var compressor compressor
	if security.EnableCompression {
		switch security.CompressionAlgorithm {
		case CompressionSnappy:
			compressor = snappyCompressor{}
		case CompressionGzip:
			compressor = gzipCompressor{}
		default:
			return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
				"field": "CompressionAlgorithm",
				"value": security.CompressionAlgorithm,
			})
		}
	}

	if !security.EnableEncryption {
		return &plainCodec{compressor: compressor}, nil
	}

	key, err := hex.DecodeString(masterKey)
	if err != nil || len(key) != 32 {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MasterKey",
			"reason": "must be 64 hex characters (32 bytes)",
		})
	}

	switch security.EncryptionAlgorithm {
	case EncryptionSecretbox:
		var fixed [32]byte
		copy(fixed[:], key)
		return &secretboxCodec{key: fixed, compressor: compressor}, nil
	case EncryptionAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return &gcmCodec{aead: gcm, compressor: compressor}, nil
	default:
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field": "EncryptionAlgorithm",
			"value": security.EncryptionAlgorithm,
		})
	}
}

func newNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	_, err := io.ReadFull(rand.Reader, nonce[:])
	return nonce, err
}

func errShortCiphertext(actual int) error {
	return WithContext(ErrDurableTier, map[string]interface{}{
		"reason":     "buffer too small for nonce",
		"min_length": NonceSize,
		"actual":     actual,
	})
}

// plainCodec skips encryption but still honors the compression setting
type plainCodec struct {
	compressor compressor
}

func (c *plainCodec) Encode(plaintext []byte) ([]byte, error) {
	return maybeCompress(c.compressor, plaintext)
}

func (c *plainCodec) Decode(data []byte) ([]byte, error) {
	return maybeDecompress(c.compressor, data)
}

// gcmCodec is AES-256-GCM with the standard 12-byte nonce
type gcmCodec struct {
	aead       cipher.AEAD
	compressor compressor
}

func (c *gcmCodec) Encode(plaintext []byte) ([]byte, error) {
	compressed, err := maybeCompress(c.compressor, plaintext)
	if err != nil {
		return nil, err
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends ciphertext to the nonce prefix
	return c.aead.Seal(nonce[:], nonce[:], compressed, nil), nil
}

func (c *gcmCodec) Decode(data []byte) ([]byte, error) {
	if len(data) < NonceSize {
		return nil, errShortCiphertext(len(data))
	}

	plaintext, err := c.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return maybeDecompress(c.compressor, plaintext)
}

// secretboxCodec is XSalsa20-Poly1305. Secretbox takes a 24-byte nonce while
// the wire layout fixes a 12-byte prefix, so the random prefix is
// right-padded with zeros (96 bits of randomness, the same margin as GCM).
type secretboxCodec struct {
	key        [32]byte
	compressor compressor
}

func (c *secretboxCodec) fullNonce(prefix []byte) [24]byte {
	var nonce [24]byte
	copy(nonce[:NonceSize], prefix)
	return nonce
}

func (c *secretboxCodec) Encode(plaintext []byte) ([]byte, error) {
	compressed, err := maybeCompress(c.compressor, plaintext)
	if err != nil {
		return nil, err
	}

	prefix, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	nonce := c.fullNonce(prefix[:])
	return secretbox.Seal(prefix[:], compressed, &nonce, &c.key), nil
}

func (c *secretboxCodec) Decode(data []byte) ([]byte, error) {
	if len(data) < NonceSize {
		return nil, errShortCiphertext(len(data))
	}

	nonce := c.fullNonce(data[:NonceSize])
	plaintext, ok := secretbox.Open(nil, data[NonceSize:], &nonce, &c.key)
	if !ok {
		return nil, fmt.Errorf("decryption failed: secretbox open")
	}
	return maybeDecompress(c.compressor, plaintext)
}

// compressor is the optional pre-encryption transform
type compressor interface {
	compress(data []byte) ([]byte, error)
	decompress(data []byte) ([]byte, error)
}

func maybeCompress(c compressor, data []byte) ([]byte, error) {
	if c == nil {
		return data, nil
	}
	return c.compress(data)
}

func maybeDecompress(c compressor, data []byte) ([]byte, error) {
	if c == nil {
		return data, nil
	}
	return c.decompress(data)
}

type snappyCompressor struct{}

func (snappyCompressor) compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

type gzipCompressor struct{}

func (gzipCompressor) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip open: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}
