package dbcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestEnvelopeRoundtrip(t *testing.T) {
	now := time.Now()
	data, err := encodeEnvelope(map[string]int{"n": 7}, time.Minute, now)
	require.NoError(t, err)

	env, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(envelopeVersion), env.Version)
	assert.Equal(t, now.UnixNano(), env.SetTime)
	assert.Equal(t, now.Add(time.Minute).UnixNano(), env.ExpiresAt)
	assert.Zero(t, env.LastAccess)

	var payload map[string]int
	require.NoError(t, msgpack.Unmarshal(env.Payload, &payload))
	assert.Equal(t, 7, payload["n"])

	assert.False(t, env.expired(now))
	assert.True(t, env.expired(now.Add(2*time.Minute)))
}

func TestEnvelopeImmortal(t *testing.T) {
	now := time.Now()
	data, err := encodeEnvelope("v", 0, now)
	require.NoError(t, err)

	env, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Zero(t, env.ExpiresAt)
	assert.False(t, env.expired(now.Add(1000*time.Hour)))
}

func TestEnvelopeDecodeMalformed(t *testing.T) {
	_, err := decodeEnvelope([]byte("not msgpack at all"))
	assert.ErrorIs(t, err, ErrCodec)
}

func TestEnvelopeDecodeUnknownVersion(t *testing.T) {
	data, err := msgpack.Marshal(&envelope{Version: envelopeVersion + 1})
	require.NoError(t, err)
	_, err = decodeEnvelope(data)
	assert.ErrorIs(t, err, ErrCodec)
}

func TestEnvelopeEncodeUnrepresentable(t *testing.T) {
	// Functions cannot be msgpack encoded.
	_, err := encodeEnvelope(func() {}, 0, time.Now())
	assert.ErrorIs(t, err, ErrCodec)
}
