package wasmkey

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawUserKey(t *testing.T) (string, []byte) {
	t.Helper()
	kp, err := nkeys.CreateUser()
	require.NoError(t, err)
	pub, err := kp.PublicKey()
	require.NoError(t, err)
	raw, err := nkeys.Decode(nkeys.PrefixByteUser, []byte(pub))
	require.NoError(t, err)
	return pub, raw
}

func TestEncodeModule_RoundTrip(t *testing.T) {
	_, raw := rawUserKey(t)

	key, err := EncodeModule(raw)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "M"))
	assert.Len(t, key, 56)
	assert.True(t, IsModuleKey(key))

	decoded, err := DecodeModule(key)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestCRC16_MatchesNKeys(t *testing.T) {
	pub, _ := rawUserKey(t)
	raw, err := encoding.DecodeString(pub)
	require.NoError(t, err)

	body := raw[:len(raw)-2]
	assert.Equal(t, binary.LittleEndian.Uint16(raw[len(raw)-2:]), crc16(body))
}

func TestDecodeModule_Rejects(t *testing.T) {
	userKey, raw := rawUserKey(t)
	key, err := EncodeModule(raw)
	require.NoError(t, err)
	corrupted := key[:10] + string(flip(key[10])) + key[11:]

	_, err = DecodeModule(userKey)
	assert.ErrorIs(t, err, ErrInvalidPrefix)

	_, err = DecodeModule(corrupted)
	assert.Error(t, err)
	assert.False(t, IsModuleKey(corrupted))

	_, err = DecodeModule("not base32!")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = EncodeModule([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func flip(c byte) byte {
	if c == 'A' {
		return 'B'
	}
	return 'A'
}
