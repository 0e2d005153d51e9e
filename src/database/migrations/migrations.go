// package migrations
package migrations

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DataMigration tracks executed data migrations beyond the schema
// auto-migrations. Migrations run in lexicographic id order and each records
// its row before the surrounding transaction commits.
type DataMigration struct {
	ID        string    `gorm:"primaryKey;size:200;column:id"`
	AppliedAt time.Time `gorm:"not null;column:applied_at"`
}

func (DataMigration) TableName() string { return "data_migrations" }

// RunOnce runs fn only if migrationID was not executed before.
// It records the migration as executed only after fn succeeds.
func RunOnce(db *gorm.DB, migrationID string, fn func(*gorm.DB) error) error {
	if db == nil {
		return nil
	}
	if migrationID == "" {
		return fmt.Errorf("migration id is empty")
	}
	if fn == nil {
		return fmt.Errorf("migration %q has nil fn", migrationID)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var m DataMigration
		err := tx.First(&m, "id = ?", migrationID).Error
		if err == nil {
			// already applied
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check migration %q: %w", migrationID, err)
		}

		if err := fn(tx); err != nil {
			return fmt.Errorf("run migration %q: %w", migrationID, err)
		}

		rec := DataMigration{
			ID:        migrationID,
			AppliedAt: time.Now().UTC(),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("record migration %q: %w", migrationID, err)
		}

		return nil
	})
}

// Run executes all data migrations in order. Append new migrations at the
// bottom with a stable unique id.
func Run(db *gorm.DB) error {
	if db == nil {
		return nil
	}

	if err := RunOnce(db, "00001_normalize_order_status_case", normalizeOrderStatusCase); err != nil {
		return err
	}

	if err := RunOnce(db, "00002_backfill_fill_watermarks", backfillFillWatermarks); err != nil {
		return err
	}

	return nil
}

// normalizeOrderStatusCase upper-cases any order status written by early
// builds so reads validate cleanly against the FSM enumeration.
func normalizeOrderStatusCase(db *gorm.DB) error {
	return db.Exec(`UPDATE orders SET status = UPPER(status)`).Error
}

// backfillFillWatermarks seeds a watermark row for every order that already
// has fills but no watermark, so pollers do not re-emit historical deltas.
func backfillFillWatermarks(db *gorm.DB) error {
	return db.Exec(`
		INSERT INTO fill_watermarks (venue, venue_order_id, cumulative_size, delta_index, last_emitted_at, created_at, updated_at)
		SELECT f.venue, f.venue_order_id, SUM(f.size), COUNT(*), MAX(f.filled_at), MAX(f.created_at), MAX(f.created_at)
		FROM fills f
		WHERE NOT EXISTS (
			SELECT 1 FROM fill_watermarks w
			WHERE w.venue = f.venue AND w.venue_order_id = f.venue_order_id
		)
		GROUP BY f.venue, f.venue_order_id
	`).Error
}
