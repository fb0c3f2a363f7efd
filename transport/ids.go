package transport

import (
	"encoding/base64"
	"encoding/binary"

	sf "github.com/tinode/snowflake"
	"golang.org/x/crypto/xtea"
)

// Length of an unpadded base64 encoding of 8 bytes.
const sidLength = 11

// SessionIDs generates unique, random-looking session ids.
type SessionIDs struct {
	seq    *sf.SnowFlake
	cipher *xtea.Cipher
}

// NewSessionIDs creates a generator. The key must be 16 bytes long.
func NewSessionIDs(workerID uint, key []byte) (*SessionIDs, error) {
	seq, err := sf.NewSnowFlake(uint32(workerID))
	if err != nil {
		return nil, err
	}
	cipher, err := xtea.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &SessionIDs{seq: seq, cipher: cipher}, nil
}

// Next returns a new id or an empty string if the sequence is exhausted.
func (g *SessionIDs) Next() string {
	id, err := g.seq.Next()
	if err != nil {
		return ""
	}
	src := make([]byte, 8)
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, id)
	g.cipher.Encrypt(dst, src)
	return base64.URLEncoding.EncodeToString(dst)[:sidLength]
}
