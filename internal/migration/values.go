package migration

import (
	"encoding/json"
	"fmt"
	"math"
)

// IdRange is an inclusive interval over a type's id space.
type IdRange struct {
	MinID int64 `json:"minId"`
	MaxID int64 `json:"maxId"`
}

// FullRange covers every possible id.
var FullRange = IdRange{MinID: math.MinInt64, MaxID: math.MaxInt64}

// Valid reports whether MinID <= MaxID.
func (r IdRange) Valid() bool {
	return r.MinID <= r.MaxID
}

// Contains reports whether id falls inside r.
func (r IdRange) Contains(id int64) bool {
	return id >= r.MinID && id <= r.MaxID
}

// Width is the number of ids covered by r. It saturates at math.MaxInt64.
func (r IdRange) Width() int64 {
	if !r.Valid() {
		return 0
	}
	w := uint64(r.MaxID-r.MinID) + 1
	if w == 0 || w > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(w)
}

func (r IdRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.MinID, r.MaxID)
}

// RowMetadata is the per-row fingerprint used for checksums and deltas.
type RowMetadata struct {
	ID   int64  `json:"id"`
	Etag string `json:"etag"`
}

// Record is a full row as exchanged with record stores and backup artifacts.
type Record struct {
	ID      int64           `json:"id"`
	Etag    string          `json:"etag"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Metadata returns the fingerprint of r.
func (r Record) Metadata() RowMetadata {
	return RowMetadata{ID: r.ID, Etag: r.Etag}
}

// TypeCount is the number of rows of a type. MinID and MaxID are only set
// when Count > 0.
type TypeCount struct {
	Type  Type   `json:"type"`
	Count int64  `json:"count"`
	MinID *int64 `json:"minId,omitempty"`
	MaxID *int64 `json:"maxId,omitempty"`
}

// RangeChecksum is the salted digest of all rows of Type in [MinID, MaxID].
type RangeChecksum struct {
	Type     Type   `json:"type"`
	Salt     string `json:"salt"`
	MinID    int64  `json:"minId"`
	MaxID    int64  `json:"maxId"`
	Checksum string `json:"checksum"`
	Count    int64  `json:"count"`
}

// Range returns the bounds of c.
func (c RangeChecksum) Range() IdRange {
	return IdRange{MinID: c.MinID, MaxID: c.MaxID}
}

// TypeChecksum is the salted digest of every row of Type.
type TypeChecksum struct {
	Type     Type   `json:"type"`
	Salt     string `json:"salt"`
	Checksum string `json:"checksum"`
	Count    int64  `json:"count"`
}

// DeltaRanges lists the ranges where two stacks differ for Type.
type DeltaRanges struct {
	Type      Type      `json:"type"`
	InsRanges []IdRange `json:"insRanges"`
	UpdRanges []IdRange `json:"updRanges"`
	DelRanges []IdRange `json:"delRanges"`
}

// Empty reports whether no differences were found.
func (d DeltaRanges) Empty() bool {
	return len(d.InsRanges) == 0 && len(d.UpdRanges) == 0 && len(d.DelRanges) == 0
}
