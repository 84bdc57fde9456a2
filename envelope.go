package dbcache

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// envelopeVersion is the current envelope schema version, written into every
// record so a future format change can be detected on decode.
const envelopeVersion = 1

// envelope is the record stored per key: the caller's msgpack-encoded
// payload wrapped with expiration and bookkeeping metadata. The whole
// envelope is written in a single put, so a stored record is never partial.
type envelope struct {
	Version    uint8  `msgpack:"v"`
	ExpiresAt  int64  `msgpack:"e"` // unix nanoseconds, 0 = never expires
	SetTime    int64  `msgpack:"s"` // unix nanoseconds
	LastAccess int64  `msgpack:"a"` // unix nanoseconds, 0 = never read
	Payload    []byte `msgpack:"p"` // msgpack bytes of the caller's value
}

func (e *envelope) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && e.ExpiresAt < now.UnixNano()
}

func encodeEnvelope(val any, ttl time.Duration, now time.Time) ([]byte, error) {
	payload, err := msgpack.Marshal(val)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "dbcache: encode value"), ErrCodec)
	}
	env := envelope{
		Version: envelopeVersion,
		SetTime: now.UnixNano(),
		Payload: payload,
	}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl).UnixNano()
	}
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "dbcache: encode envelope"), ErrCodec)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "dbcache: decode envelope"), ErrCodec)
	}
	if env.Version == 0 || env.Version > envelopeVersion {
		return nil, errors.Mark(errors.Newf("dbcache: unsupported envelope version %d", env.Version), ErrCodec)
	}
	return &env, nil
}
