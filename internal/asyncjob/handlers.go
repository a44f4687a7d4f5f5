package asyncjob

import (
	"context"
	"fmt"

	"github.com/johndauphine/stack-migrate/internal/backup"
	"github.com/johndauphine/stack-migrate/internal/checksum"
	"github.com/johndauphine/stack-migrate/internal/delta"
	"github.com/johndauphine/stack-migrate/internal/migration"
)

// Services are the components handlers delegate to. Delta and Backup may be
// nil, in which case their kinds are not registered.
type Services struct {
	Checksums *checksum.Engine
	Delta     *delta.Calculator
	Backup    *backup.Daemon

	// DefaultSalt replaces an empty request salt.
	DefaultSalt string
}

func (svc Services) salt(s string) string {
	if s == "" {
		return svc.DefaultSalt
	}
	return s
}

// RegisterDefaults installs handlers for every kind svc can serve.
func (m *Manager) RegisterDefaults(svc Services) {
	if c := svc.Checksums; c != nil {
		m.Register(KindTypeCount, typed(func(ctx context.Context, _ int64, r *TypeCountRequest) (Response, error) {
			tc, err := c.TypeCount(ctx, r.Type)
			return &TypeCountResponse{Count: tc}, err
		}))
		m.Register(KindTypeCounts, typed(func(ctx context.Context, _ int64, r *TypeCountsRequest) (Response, error) {
			counts, err := c.TypeCounts(ctx, r.Types)
			return &TypeCountsResponse{Counts: counts}, err
		}))
		m.Register(KindTypeChecksum, typed(func(ctx context.Context, _ int64, r *TypeChecksumRequest) (Response, error) {
			tc, err := c.TypeChecksum(ctx, r.Type, svc.salt(r.Salt))
			return &TypeChecksumResponse{Checksum: tc}, err
		}))
		m.Register(KindRangeChecksum, typed(func(ctx context.Context, _ int64, r *RangeChecksumRequest) (Response, error) {
			rc, err := c.RangeChecksum(ctx, r.Type, svc.salt(r.Salt), r.MinID, r.MaxID)
			return &RangeChecksumResponse{Checksum: rc}, err
		}))
		m.Register(KindBatchChecksum, typed(func(ctx context.Context, _ int64, r *BatchChecksumRequest) (Response, error) {
			rcs, err := c.BatchChecksums(ctx, r.Type, svc.salt(r.Salt), r.Ranges)
			return &BatchChecksumResponse{Checksums: rcs}, err
		}))
		m.Register(KindRowMetadata, typed(func(ctx context.Context, _ int64, r *RowMetadataRequest) (Response, error) {
			rows, err := c.RowMetadata(ctx, r.Type, migration.IdRange{MinID: r.MinID, MaxID: r.MaxID})
			if rows == nil {
				rows = []migration.RowMetadata{}
			}
			return &RowMetadataResponse{Rows: rows}, err
		}))
	}
	if d := svc.Delta; d != nil {
		m.Register(KindDeltaRanges, typed(func(ctx context.Context, _ int64, r *DeltaRangesRequest) (Response, error) {
			dr, err := d.CalculateRange(ctx, r.Type, svc.salt(r.Salt), r.Range())
			return &DeltaRangesResponse{Delta: dr}, err
		}))
	}
	if b := svc.Backup; b != nil {
		m.Register(KindBackupType, typed(func(ctx context.Context, userID int64, r *BackupTypeRequest) (Response, error) {
			st, err := b.StartBackup(ctx, userID, r.Type, r.IDs)
			return &BackupTypeResponse{Status: st}, err
		}))
		m.Register(KindRestoreType, typed(func(ctx context.Context, userID int64, r *RestoreTypeRequest) (Response, error) {
			st, err := b.StartRestore(ctx, userID, r.Type, r.Submission)
			return &RestoreTypeResponse{Status: st}, err
		}))
	}
}

// typed adapts a handler for one concrete request type.
func typed[R Request](fn func(ctx context.Context, userID int64, req R) (Response, error)) Handler {
	return func(ctx context.Context, userID int64, req Request) (Response, error) {
		r, ok := req.(R)
		if !ok {
			return nil, fmt.Errorf("handler got %T: %w", req, migration.ErrFatal)
		}
		resp, err := fn(ctx, userID, r)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
}
