package storage

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// Sweep removes every artifact whose TTL has lapsed, object first, ledger
// row second. It returns how many artifacts were removed. Objects that fail
// to delete keep their ledger row so a later sweep retries them.
func (s *Storage) Sweep(ctx context.Context) (int, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT object_key FROM artifacts WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("listing expired artifacts: %w", err)
	}

	var expired []string
	for rows.Next() {
		var objectKey string
		if err := rows.Scan(&objectKey); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning artifact row: %w", err)
		}
		expired = append(expired, objectKey)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reading artifact rows: %w", err)
	}

	removed := 0
	for _, objectKey := range expired {
		err := s.client.RemoveObject(ctx, s.cfg.Bucket, objectKey, minio.RemoveObjectOptions{})
		if err != nil {
			s.log.With(zap.String("object_key", objectKey), zap.Error(err)).Warn("removing expired object")
			continue
		}

		if _, err := s.conn.Exec(ctx,
			`DELETE FROM artifacts WHERE object_key = $1`, objectKey,
		); err != nil {
			return removed, fmt.Errorf("deleting artifact row: %w", err)
		}
		removed++
	}

	if removed > 0 {
		s.log.With(zap.Int("removed", removed)).Info("swept expired artifacts")
	}

	return removed, nil
}
