package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Magic identifies a fabric envelope on the wire.
const Magic uint32 = 0x46414231 // "FAB1"

// Version is the current wire format version.
const Version uint8 = 1

// HeaderFixedSize is the size of the fixed-width portion of the header,
// before the variable-length endpoint strings and body
// (magic4+ver1+flags2+tag4+session16+hop1+ttl1+expire8 = 37).
const HeaderFixedSize = 4 + 1 + 2 + 4 + 16 + 1 + 1 + 8

// Sentinel errors for decode-time failures; never crash the process
// (spec.md §4.2).
var (
	ErrBadMagic       = errors.New("bad envelope magic")
	ErrBadVersion     = errors.New("unsupported envelope version")
	ErrBodyTooLarge   = errors.New("envelope body exceeds configured maximum")
	ErrTruncated      = errors.New("truncated envelope")
	ErrNoSharedKey    = errors.New("encrypted envelope but no shared key configured")
)

// Codec serializes and deserializes envelopes per the wire format in
// spec.md §6.2. A zero-value Codec has no shared key and rejects any
// envelope with the Encrypted flag set.
type Codec struct {
	MaxBodySize uint32
	SharedKey   []byte // AES-128/192/256 key, selected by length
}

// NewCodec builds a Codec with the given body-size ceiling and optional
// shared key for AES-CBC payload encryption.
func NewCodec(maxBodySize uint32, sharedKey []byte) *Codec {
	return &Codec{MaxBodySize: maxBodySize, SharedKey: sharedKey}
}

// Encode serializes env into the wire format, applying compression and
// encryption per env.Flags.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	body := env.Body

	if env.Flags.Has(FlagCompressed) {
		compressed, err := gzipCompress(body)
		if err != nil {
			return nil, fmt.Errorf("encode envelope: compress body: %w", err)
		}
		body = compressed
	}

	if env.Flags.Has(FlagEncrypted) {
		if len(c.SharedKey) == 0 {
			return nil, fmt.Errorf("encode envelope: %w", ErrNoSharedKey)
		}
		encrypted, err := aesCBCEncrypt(c.SharedKey, body)
		if err != nil {
			return nil, fmt.Errorf("encode envelope: encrypt body: %w", err)
		}
		body = encrypted
	}

	fromEP := []byte(env.FromEP)
	toEP := []byte(env.ToEP)

	buf := make([]byte, 0, HeaderFixedSize+2+len(fromEP)+2+len(toEP)+4+len(body))
	w := bytes.NewBuffer(buf)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], Magic)
	w.Write(u32[:])
	w.WriteByte(Version)

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(env.Flags))
	w.Write(u16[:])

	binary.LittleEndian.PutUint32(u32[:], uint32(env.TypeID))
	w.Write(u32[:])

	sessionBytes, err := env.SessionID.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: session id: %w", err)
	}
	w.Write(sessionBytes)

	w.WriteByte(env.HopCount)
	w.WriteByte(env.TTL)

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(env.ExpireMillis))
	w.Write(u64[:])

	binary.LittleEndian.PutUint16(u16[:], uint16(len(fromEP)))
	w.Write(u16[:])
	w.Write(fromEP)

	binary.LittleEndian.PutUint16(u16[:], uint16(len(toEP)))
	w.Write(u16[:])
	w.Write(toEP)

	var u32b [4]byte
	binary.LittleEndian.PutUint32(u32b[:], uint32(len(body)))
	w.Write(u32b[:])
	w.Write(body)

	return w.Bytes(), nil
}

// Decode parses the wire format into an Envelope. Rejection codes are
// returned as wrapped sentinel errors for tracing; the caller decides
// whether to log and drop, matching spec.md §4.2's "never crash" rule.
func (c *Codec) Decode(data []byte) (Envelope, error) {
	if len(data) < HeaderFixedSize {
		return Envelope{}, fmt.Errorf("decode envelope: %w", ErrTruncated)
	}

	r := bytes.NewReader(data)

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", ErrTruncated)
	}
	if magic != Magic {
		return Envelope{}, fmt.Errorf("decode envelope: %w", ErrBadMagic)
	}

	ver, err := r.ReadByte()
	if err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", ErrTruncated)
	}
	if ver != Version {
		return Envelope{}, fmt.Errorf("decode envelope: %w: got %d", ErrBadVersion, ver)
	}

	var flags16 uint16
	if err := binary.Read(r, binary.LittleEndian, &flags16); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", ErrTruncated)
	}
	env := Envelope{Flags: Flags(flags16)}

	var tag32 uint32
	if err := binary.Read(r, binary.LittleEndian, &tag32); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", ErrTruncated)
	}
	env.TypeID = TypeID(tag32)

	sessionBytes := make([]byte, 16)
	if _, err := io.ReadFull(r, sessionBytes); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", ErrTruncated)
	}
	if err := env.SessionID.UnmarshalBinary(sessionBytes); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: session id: %w", err)
	}

	if env.HopCount, err = r.ReadByte(); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", ErrTruncated)
	}
	if env.TTL, err = r.ReadByte(); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", ErrTruncated)
	}

	var expire uint64
	if err := binary.Read(r, binary.LittleEndian, &expire); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", ErrTruncated)
	}
	env.ExpireMillis = int64(expire)

	fromEP, err := readLenPrefixed16(r)
	if err != nil {
		return Envelope{}, err
	}
	env.FromEP = string(fromEP)

	toEP, err := readLenPrefixed16(r)
	if err != nil {
		return Envelope{}, err
	}
	env.ToEP = string(toEP)

	var bodyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &bodyLen); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", ErrTruncated)
	}
	if c.MaxBodySize > 0 && bodyLen > c.MaxBodySize {
		return Envelope{}, fmt.Errorf("decode envelope: %w: %d > %d", ErrBodyTooLarge, bodyLen, c.MaxBodySize)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", ErrTruncated)
	}

	if env.Flags.Has(FlagEncrypted) {
		if len(c.SharedKey) == 0 {
			return Envelope{}, fmt.Errorf("decode envelope: %w", ErrNoSharedKey)
		}
		decrypted, err := aesCBCDecrypt(c.SharedKey, body)
		if err != nil {
			return Envelope{}, fmt.Errorf("decode envelope: decrypt body: %w", err)
		}
		body = decrypted
	}

	if env.Flags.Has(FlagCompressed) {
		decompressed, err := gzipDecompress(body)
		if err != nil {
			return Envelope{}, fmt.Errorf("decode envelope: decompress body: %w", err)
		}
		body = decompressed
	}

	env.Body = body
	return env, nil
}

func readLenPrefixed16(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", ErrTruncated)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", ErrTruncated)
	}
	return buf, nil
}

func gzipCompress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// aesCBCEncrypt encrypts plaintext with a random per-message IV prefix,
// as required by spec.md §6.2 ("AES-CBC ... a per-message IV prefix").
func aesCBCEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())

	out := make([]byte, block.BlockSize()+len(padded))
	iv := out[:block.BlockSize()]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out[block.BlockSize():], padded)
	return out, nil
}

func aesCBCDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	blockSize := block.BlockSize()
	if len(ciphertext) < blockSize || (len(ciphertext)-blockSize)%blockSize != 0 {
		return nil, fmt.Errorf("aes-cbc decrypt: %w", ErrTruncated)
	}

	iv := ciphertext[:blockSize]
	payload := ciphertext[blockSize:]

	out := make([]byte, len(payload))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(out, payload)

	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pkcs7 unpad: %w", ErrTruncated)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("pkcs7 unpad: %w", ErrTruncated)
	}
	return data[:len(data)-padLen], nil
}
