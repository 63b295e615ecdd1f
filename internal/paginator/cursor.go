package paginator

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
)

// Direction is the scan order over the ordering key.
type Direction uint8

const (
	Asc Direction = iota
	Desc
)

func (d Direction) String() string {
	switch d {
	case Asc:
		return "asc"
	case Desc:
		return "desc"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

func (d Direction) valid() bool {
	return d == Asc || d == Desc
}

// Position is a resumable point in a keyset scan: the last key already
// returned and the order the scan runs in.
type Position struct {
	Key       int64
	Direction Direction
}

// Cursor layout, before base64url:
//
//	[0]     version
//	[1]     direction
//	[2:10]  key, big endian
//	[10:14] CRC32 (IEEE) of bytes [0:10]
const (
	cursorVersion = 1
	payloadLen    = 10
	cursorLen     = payloadLen + 4
)

var cursorEncoding = base64.RawURLEncoding.Strict()

// Encode renders p as an opaque URL-safe token. Equal positions always
// produce equal tokens.
func Encode(p Position) string {
	var buf [cursorLen]byte
	buf[0] = cursorVersion
	buf[1] = byte(p.Direction)
	binary.BigEndian.PutUint64(buf[2:payloadLen], uint64(p.Key))
	binary.BigEndian.PutUint32(buf[payloadLen:], crc32.ChecksumIEEE(buf[:payloadLen]))
	return cursorEncoding.EncodeToString(buf[:])
}

// Decode parses a token produced by Encode. Anything else, including
// truncated or edited tokens, fails with ErrInvalidCursor.
func Decode(cursor string) (Position, error) {
	raw, err := cursorEncoding.DecodeString(cursor)
	if err != nil {
		return Position{}, fmt.Errorf("%w: not base64url", apperrors.ErrInvalidCursor)
	}
	if len(raw) != cursorLen {
		return Position{}, fmt.Errorf("%w: length %d", apperrors.ErrInvalidCursor, len(raw))
	}
	if raw[0] != cursorVersion {
		return Position{}, fmt.Errorf("%w: unknown version %d", apperrors.ErrInvalidCursor, raw[0])
	}
	if binary.BigEndian.Uint32(raw[payloadLen:]) != crc32.ChecksumIEEE(raw[:payloadLen]) {
		return Position{}, fmt.Errorf("%w: checksum mismatch", apperrors.ErrInvalidCursor)
	}
	dir := Direction(raw[1])
	if !dir.valid() {
		return Position{}, fmt.Errorf("%w: unknown direction %d", apperrors.ErrInvalidCursor, raw[1])
	}
	return Position{
		Key:       int64(binary.BigEndian.Uint64(raw[2:payloadLen])),
		Direction: dir,
	}, nil
}
