// Package wasmkey encodes and checks the public keys actors are signed for.
// They share the nkeys layout (prefix byte, ed25519 key, CRC16 checksum, in
// unpadded base32) but use the module prefix 'M', which nkeys rejects.
package wasmkey

import (
	"crypto/ed25519"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
)

// PrefixModule is the prefix byte of a module public key.
const PrefixModule byte = 12 << 3

const encodedLen = 1 + ed25519.PublicKeySize + 2

var (
	// ErrInvalidKey is returned for keys that do not decode.
	ErrInvalidKey = errors.New("invalid module key")
	// ErrInvalidChecksum is returned when the CRC16 does not match.
	ErrInvalidChecksum = errors.New("invalid module key checksum")
	// ErrInvalidPrefix is returned for well-formed keys of another kind.
	ErrInvalidPrefix = errors.New("key is not a module key")
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodeModule encodes a raw ed25519 public key as a module key.
func EncodeModule(pub []byte) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(pub))
	}
	raw := make([]byte, 0, encodedLen)
	raw = append(raw, PrefixModule)
	raw = append(raw, pub...)
	raw = binary.LittleEndian.AppendUint16(raw, crc16(raw))
	return encoding.EncodeToString(raw), nil
}

// DecodeModule returns the raw public key of a module key.
func DecodeModule(key string) ([]byte, error) {
	raw, err := encoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if len(raw) != encodedLen {
		return nil, fmt.Errorf("%w: decoded length %d", ErrInvalidKey, len(raw))
	}
	body := raw[:encodedLen-2]
	if crc16(body) != binary.LittleEndian.Uint16(raw[encodedLen-2:]) {
		return nil, ErrInvalidChecksum
	}
	if body[0] != PrefixModule {
		return nil, ErrInvalidPrefix
	}
	return body[1:], nil
}

// IsModuleKey reports whether key is a valid module public key.
func IsModuleKey(key string) bool {
	_, err := DecodeModule(key)
	return err == nil
}

// crc16 is CRC-16/XMODEM, the checksum nkeys appends.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
