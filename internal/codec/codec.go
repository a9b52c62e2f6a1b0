// Package codec implements the reversible text transform used to store and
// exchange script bodies: line-ending normalization, zstd compression and
// XChaCha20-Poly1305 encryption, each layer encoded as printable base64.
package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Blob signatures. Both are Lua comments so an encoded script is still a
// syntactically harmless chunk if it ever reaches an interpreter.
const (
	compressedSignature = "--[[Z]]"
	encryptedSignature  = "--[[X]]"
	byteCodeSignature   = "\x1bLua"
)

const (
	defaultSecret  = "node-provisioner"
	kdfInfo        = "node-provisioner codec v1"
	maxDecodedSize = 16 << 20
)

// TransformFlags describes which reversible transforms apply to a blob.
type TransformFlags uint8

const (
	Compressed TransformFlags = 1 << iota
	Encrypted
	// ByteCode is detected, never requested.
	ByteCode
)

// None means no transform.
const None TransformFlags = 0

// Has reports whether all bits of f are set.
func (t TransformFlags) Has(f TransformFlags) bool { return t&f == f }

func (t TransformFlags) String() string {
	if t == None {
		return "none"
	}
	var parts []string
	if t.Has(Compressed) {
		parts = append(parts, "compressed")
	}
	if t.Has(Encrypted) {
		parts = append(parts, "encrypted")
	}
	if t.Has(ByteCode) {
		parts = append(parts, "bytecode")
	}
	return strings.Join(parts, "|")
}

// ParseFlags parses a comma or pipe separated list such as "compressed,encrypted".
func ParseFlags(s string) (TransformFlags, error) {
	var f TransformFlags
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' || r == ' ' }) {
		switch strings.ToLower(p) {
		case "none":
		case "compressed", "compress", "z":
			f |= Compressed
		case "encrypted", "encrypt", "x":
			f |= Encrypted
		default:
			return None, fmt.Errorf("%w: unknown transform %q", ErrInvalidArgument, p)
		}
	}
	return f, nil
}

// Codec compresses and encrypts script text. It is safe for concurrent use.
type Codec struct {
	key     []byte
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
}

// New creates a codec whose encryption key is derived from secret.
// An empty secret selects the built-in default key.
func New(secret string, logger *slog.Logger) (*Codec, error) {
	if secret == "" {
		secret = defaultSecret
	}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(kdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive codec key: %w", err)
	}

	// Single-threaded encoding keeps the output deterministic, which the
	// decompress-side consistency check relies on.
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxDecodedSize),
		zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Codec{
		key:     key,
		encoder: encoder,
		decoder: decoder,
		logger:  logger.With("component", "codec"),
	}, nil
}

// Compress normalizes source and applies the transforms requested by format.
// Encryption is always the outer layer. When validate is set the result is
// decoded again and compared with the normalized input; on mismatch an
// *IntegrityError is returned and the output is discarded.
func (c *Codec) Compress(source string, format TransformFlags, validate bool) (string, error) {
	if source == "" {
		return "", fmt.Errorf("compress: %w: empty source", ErrInvalidArgument)
	}
	normalized := Normalize(source)
	if normalized == "" {
		return "", fmt.Errorf("compress: %w: blank source", ErrInvalidArgument)
	}

	out, err := c.compress(normalized, format)
	if err != nil {
		return "", fmt.Errorf("compress: %w", err)
	}
	if !validate {
		return out, nil
	}

	back, _, err := c.decompress(out)
	if err != nil {
		return "", &IntegrityError{Op: "compress", Expected: len(normalized), Err: err}
	}
	if len(back) != len(normalized) || back != normalized {
		return "", &IntegrityError{Op: "compress", Expected: len(normalized), Actual: len(back)}
	}
	return out, nil
}

// Decompress reverses Compress. Plain text passes through normalized.
// When validate is set the recovered text is compressed again with the
// detected transforms and must reproduce source exactly.
func (c *Codec) Decompress(source string, validate bool) (string, error) {
	text, _, err := c.Decode(source, validate)
	return text, err
}

// Decode is Decompress that also reports the transforms found in source.
func (c *Codec) Decode(source string, validate bool) (string, TransformFlags, error) {
	if source == "" {
		return "", None, fmt.Errorf("decompress: %w: empty source", ErrInvalidArgument)
	}

	text, flags, err := c.decompress(source)
	if err != nil {
		return "", None, fmt.Errorf("decompress: %w", err)
	}
	if !validate {
		return text, flags, nil
	}

	want := Normalize(source)
	if flags&(Compressed|Encrypted) != 0 {
		want = strings.TrimSpace(source)
	}
	again, err := c.compress(text, flags&^ByteCode)
	if err != nil {
		return "", None, &IntegrityError{Op: "decompress", Expected: len(want), Err: err}
	}
	if again != want {
		return "", None, &IntegrityError{Op: "decompress", Expected: len(want), Actual: len(again)}
	}
	return text, flags, nil
}

// Sniff reports the transforms a blob carries without decoding it. Only the
// outer layer of an encrypted blob is visible.
func Sniff(source string) TransformFlags {
	var f TransformFlags
	if strings.HasPrefix(source, byteCodeSignature) {
		f |= ByteCode
	}
	trimmed := strings.TrimSpace(source)
	switch {
	case strings.HasPrefix(trimmed, encryptedSignature):
		f |= Encrypted
	case strings.HasPrefix(trimmed, compressedSignature):
		f |= Compressed
	}
	return f
}

// compress applies format to already normalized text without validation.
func (c *Codec) compress(normalized string, format TransformFlags) (string, error) {
	if hasSignature(strings.TrimSpace(normalized)) {
		return "", ErrAlreadyTransformed
	}

	text := normalized
	if format.Has(Compressed) {
		z := c.encoder.EncodeAll([]byte(text), nil)
		text = compressedSignature + base64.StdEncoding.EncodeToString(z)
	}
	if format.Has(Encrypted) {
		sealed, err := c.encrypt(text)
		if err != nil {
			return "", err
		}
		text = sealed
	}
	return text, nil
}

// decompress strips every recognised layer without validation.
func (c *Codec) decompress(source string) (string, TransformFlags, error) {
	var flags TransformFlags
	if strings.HasPrefix(source, byteCodeSignature) {
		flags |= ByteCode
		c.logger.Debug("byte-code chunk detected")
	}

	blob := source
	if trimmed := strings.TrimSpace(source); hasSignature(trimmed) {
		blob = trimmed
	}

	if strings.HasPrefix(blob, encryptedSignature) {
		plain, err := c.decrypt(blob)
		if err != nil {
			return "", flags, err
		}
		flags |= Encrypted
		blob = plain
	}

	if strings.HasPrefix(blob, compressedSignature) {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, compressedSignature))
		if err != nil {
			return "", flags, fmt.Errorf("%w: compressed payload: %v", ErrCorrupt, err)
		}
		out, err := c.decoder.DecodeAll(raw, nil)
		if err != nil {
			return "", flags, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		flags |= Compressed
		blob = string(out)
	}

	return Normalize(blob), flags, nil
}

func (c *Codec) encrypt(plain string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	// Synthetic nonce: identical plaintexts produce identical blobs.
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(plain))
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	copy(nonce, mac.Sum(nil))

	sealed := aead.Seal(nonce, nonce, []byte(plain), []byte(encryptedSignature))
	return encryptedSignature + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Codec) decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, encryptedSignature))
	if err != nil {
		return "", fmt.Errorf("%w: encrypted payload: %v", ErrCorrupt, err)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: encrypted payload too short (%d bytes)", ErrCorrupt, len(raw))
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(encryptedSignature))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return string(plain), nil
}

func hasSignature(s string) bool {
	return strings.HasPrefix(s, encryptedSignature) || strings.HasPrefix(s, compressedSignature)
}

// Normalize converts CR and CRLF line endings to LF, drops trailing blank
// lines and terminates the text with a single LF. Blank input yields "".
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if end == 0 {
		return ""
	}
	return strings.Join(lines[:end], "\n") + "\n"
}
