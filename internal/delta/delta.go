// Package delta finds the id ranges where a source and a target stack
// disagree for one migration type.
package delta

import (
	"context"
	"fmt"
	"math"

	"github.com/johndauphine/stack-migrate/internal/checksum"
	"github.com/johndauphine/stack-migrate/internal/logging"
	"github.com/johndauphine/stack-migrate/internal/migration"
)

var log = logging.For("delta")

// DefaultPartitionWidth is used when Calculator.PartitionWidth is zero.
const DefaultPartitionWidth int64 = 10000

// Calculator compares two stacks partition by partition. Partitions whose
// checksums agree are skipped; the rest are compared row by row.
type Calculator struct {
	Source         *checksum.Engine
	Target         *checksum.Engine
	PartitionWidth int64
}

type class int

const (
	match class = iota
	ins
	upd
	del
)

// collector merges consecutive same-class ids into ranges.
type collector struct {
	out   migration.DeltaRanges
	cur   class
	start int64
	end   int64
}

func (c *collector) add(id int64, cl class) {
	if cl == c.cur && cl != match {
		c.end = id
		return
	}
	c.flush()
	c.cur, c.start, c.end = cl, id, id
}

// brk ends the current run.
func (c *collector) brk() {
	c.flush()
	c.cur = match
}

func (c *collector) flush() {
	r := migration.IdRange{MinID: c.start, MaxID: c.end}
	switch c.cur {
	case ins:
		c.out.InsRanges = append(c.out.InsRanges, r)
	case upd:
		c.out.UpdRanges = append(c.out.UpdRanges, r)
	case del:
		c.out.DelRanges = append(c.out.DelRanges, r)
	}
}

// Calculate compares every row of t on both stacks.
func (c *Calculator) Calculate(ctx context.Context, t migration.Type, salt string) (migration.DeltaRanges, error) {
	return c.CalculateRange(ctx, t, salt, migration.FullRange)
}

// CalculateRange compares the rows of t within r. Partitioning starts at the
// lowest id present on either stack, so r may be wider than the data.
func (c *Calculator) CalculateRange(ctx context.Context, t migration.Type, salt string, r migration.IdRange) (migration.DeltaRanges, error) {
	if err := t.Check(); err != nil {
		return migration.DeltaRanges{Type: t}, err
	}
	if !r.Valid() {
		return migration.DeltaRanges{Type: t}, fmt.Errorf("range %s: %w", r, migration.ErrInvalidArgument)
	}
	src, err := c.Source.TypeCount(ctx, t)
	if err != nil {
		return migration.DeltaRanges{Type: t}, fmt.Errorf("source count: %w", err)
	}
	tgt, err := c.Target.TypeCount(ctx, t)
	if err != nil {
		return migration.DeltaRanges{Type: t}, fmt.Errorf("target count: %w", err)
	}
	bounds, ok := unionBounds(src, tgt)
	if !ok {
		return emptyDelta(t), nil
	}
	r.MinID = max(r.MinID, bounds.MinID)
	r.MaxID = min(r.MaxID, bounds.MaxID)
	if !r.Valid() {
		return emptyDelta(t), nil
	}

	width := c.PartitionWidth
	if width <= 0 {
		width = DefaultPartitionWidth
	}

	col := &collector{out: emptyDelta(t)}
	compared := 0
	for _, p := range partitions(r, width) {
		sc, err := c.Source.RangeChecksum(ctx, t, salt, p.MinID, p.MaxID)
		if err != nil {
			return col.out, fmt.Errorf("source %s: %w", p, err)
		}
		tc, err := c.Target.RangeChecksum(ctx, t, salt, p.MinID, p.MaxID)
		if err != nil {
			return col.out, fmt.Errorf("target %s: %w", p, err)
		}
		if sc.Checksum == tc.Checksum && sc.Count == tc.Count {
			if sc.Count > 0 {
				col.brk()
			}
			continue
		}
		compared++
		if err := c.compareRows(ctx, t, p, col); err != nil {
			return col.out, err
		}
	}
	col.brk()

	log.Debug("%s %s: %d partition(s) compared row by row; %d ins, %d upd, %d del ranges",
		t, r, compared, len(col.out.InsRanges), len(col.out.UpdRanges), len(col.out.DelRanges))
	return col.out, nil
}

func (c *Calculator) compareRows(ctx context.Context, t migration.Type, p migration.IdRange, col *collector) error {
	srcRows, err := c.Source.RowMetadata(ctx, t, p)
	if err != nil {
		return fmt.Errorf("source rows %s: %w", p, err)
	}
	tgtRows, err := c.Target.RowMetadata(ctx, t, p)
	if err != nil {
		return fmt.Errorf("target rows %s: %w", p, err)
	}

	i, j := 0, 0
	for i < len(srcRows) || j < len(tgtRows) {
		switch {
		case j >= len(tgtRows) || (i < len(srcRows) && srcRows[i].ID < tgtRows[j].ID):
			col.add(srcRows[i].ID, del)
			i++
		case i >= len(srcRows) || tgtRows[j].ID < srcRows[i].ID:
			col.add(tgtRows[j].ID, ins)
			j++
		default:
			if srcRows[i].Etag != tgtRows[j].Etag {
				col.add(srcRows[i].ID, upd)
			} else {
				col.brk()
			}
			i++
			j++
		}
	}
	return nil
}

func emptyDelta(t migration.Type) migration.DeltaRanges {
	return migration.DeltaRanges{
		Type:      t,
		InsRanges: []migration.IdRange{},
		UpdRanges: []migration.IdRange{},
		DelRanges: []migration.IdRange{},
	}
}

// unionBounds returns the smallest range covering both stacks' ids.
func unionBounds(a, b migration.TypeCount) (migration.IdRange, bool) {
	r := migration.IdRange{MinID: math.MaxInt64, MaxID: math.MinInt64}
	for _, tc := range []migration.TypeCount{a, b} {
		if tc.Count == 0 || tc.MinID == nil || tc.MaxID == nil {
			continue
		}
		r.MinID = min(r.MinID, *tc.MinID)
		r.MaxID = max(r.MaxID, *tc.MaxID)
	}
	return r, r.Valid()
}

// partitions splits r into consecutive ranges of at most width ids.
func partitions(r migration.IdRange, width int64) []migration.IdRange {
	var out []migration.IdRange
	for start := r.MinID; ; {
		end := r.MaxID
		if r.MaxID-start >= width || r.MaxID-start < 0 {
			end = start + width - 1
		}
		out = append(out, migration.IdRange{MinID: start, MaxID: end})
		if end >= r.MaxID {
			return out
		}
		start = end + 1
	}
}
