package checksum

import (
	"encoding/binary"
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/blake2b"

	"github.com/johndauphine/stack-migrate/internal/migration"
)

// Size is the digest length in bytes.
const Size = blake2b.Size256

// EmptyChecksum is the checksum of a range with no rows.
var EmptyChecksum = hex.EncodeToString(make([]byte, Size))

// Accumulator folds row fingerprints into an order-independent digest.
// Each row is hashed with BLAKE2b-256 keyed by the salt, and row digests
// are combined with XOR. Ids are unique within a type, so no row digest
// can cancel another.
type Accumulator struct {
	h     hash.Hash
	sum   [Size]byte
	row   [Size]byte
	idBuf [8]byte
	count int64
}

// NewAccumulator returns an accumulator keyed by salt.
func NewAccumulator(salt string) *Accumulator {
	key := blake2b.Sum256([]byte(salt))
	h, err := blake2b.New256(key[:])
	if err != nil {
		// Only returned for keys longer than 64 bytes.
		panic(err)
	}
	return &Accumulator{h: h}
}

// Add folds one row into the digest.
func (a *Accumulator) Add(m migration.RowMetadata) {
	a.h.Reset()
	binary.BigEndian.PutUint64(a.idBuf[:], uint64(m.ID))
	a.h.Write(a.idBuf[:])
	a.h.Write([]byte(m.Etag))
	a.h.Sum(a.row[:0])
	for i := range a.sum {
		a.sum[i] ^= a.row[i]
	}
	a.count++
}

// Count returns the number of rows added.
func (a *Accumulator) Count() int64 {
	return a.count
}

// Sum returns the hex-encoded digest.
func (a *Accumulator) Sum() string {
	return hex.EncodeToString(a.sum[:])
}
