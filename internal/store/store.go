// Package store implements the persistent cache store (the spec's
// component C2): a write-ahead-logged, embedded SQL database holding the
// questions/answers schema, with transactional multi-row mutations and
// snapshot reads.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Egham-7/adaptive-proxy/internal/domain"
	"github.com/Egham-7/adaptive-proxy/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the embedded SQL database backing the cache.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) the SQLite database at dsn, enables WAL
// mode and foreign-key enforcement, and migrates the schema.
func Open(dsn string) (*Store, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	gdb, err := gorm.Open(sqlite.Open(dsn+sep+"_journal_mode=WAL&_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	if err := gdb.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := gdb.Exec("PRAGMA foreign_keys=ON").Error; err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := gdb.AutoMigrate(&answerRow{}, &questionRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: gdb}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// answerContentID is the content-hash id used to deduplicate answers: two
// upstream responses with identical raw bytes share one answers row
// regardless of whether either is stored compressed.
func answerContentID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// GetByFingerprint looks up a cached question/answer pair. versionFilter,
// when non-negative, restricts the match to rows at exactly that cache
// version; pass -1 to match the newest row regardless of version.
func (s *Store) GetByFingerprint(ctx context.Context, fp domain.Fingerprint, versionFilter int) (*domain.Question, *domain.Answer, error) {
	var row questionRow
	q := s.db.WithContext(ctx).Preload("Answer")
	if versionFilter >= 0 {
		q = q.Where("version = ?", versionFilter)
	}
	if err := q.First(&row, "fingerprint = ?", fp.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, models.NewStoreFailureError("read", err)
	}

	payload, err := decodePayload(row.Answer.Payload, row.Answer.Compressed)
	if err != nil {
		return nil, nil, models.NewStoreFailureError("decompress", err)
	}

	question := &domain.Question{
		Fingerprint: fp,
		Payload:     row.Payload,
		Version:     row.Version,
		CreatedAt:   row.CreatedAt,
		LastAccess:  row.LastAccess,
		HitCount:    row.HitCount,
		AnswerID:    row.AnswerID,
	}
	answer := &domain.Answer{
		ID:           row.Answer.ID,
		Payload:      payload,
		Compressed:   row.Answer.Compressed,
		OriginalSize: row.Answer.OriginalSize,
		CreatedAt:    row.Answer.CreatedAt,
		RefCount:     row.Answer.RefCount,
	}
	return question, answer, nil
}

// Insert stores a newly produced question/answer pair transactionally,
// creating or reusing an existing answer row by content hash. When a row
// already exists for this fingerprint, overrideMode governs whether it may
// be replaced: a higher-or-equal new version replaces it (decrementing,
// and possibly pruning, the superseded answer); a lower version never
// downgrades an existing row (the resolution adopted for the spec's open
// question on override-mode version comparison).
func (s *Store) Insert(ctx context.Context, question domain.Question, answerPayload []byte, overrideMode bool) error {
	stored, compressed := encodePayload(answerPayload)
	answerID := answerContentID(answerPayload)
	fpHex := question.Fingerprint.String()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing questionRow
		sameAnswer := false
		err := tx.First(&existing, "fingerprint = ?", fpHex).Error
		switch {
		case err == nil:
			if !overrideMode || question.Version < existing.Version {
				// Never downgrade; without override mode, leave the row alone.
				return nil
			}
			if existing.AnswerID == answerID {
				// The replaced row already holds one reference to this answer.
				sameAnswer = true
			} else if err := decrementAnswerRefCount(tx, existing.AnswerID); err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			// no existing row, fall through to insert
		default:
			return err
		}

		if !sameAnswer {
			if err := upsertAnswer(tx, answerID, stored, compressed, len(answerPayload), question.CreatedAt); err != nil {
				return err
			}
		}

		row := questionRow{
			Fingerprint: fpHex,
			Payload:     question.Payload,
			Version:     question.Version,
			CreatedAt:   question.CreatedAt,
			LastAccess:  question.CreatedAt,
			HitCount:    question.HitCount,
			AnswerID:    answerID,
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return models.NewStoreFailureError("write", err)
	}
	return nil
}

// upsertAnswer adds a reference to an existing answer row, or creates the row
// with createdAt (the time the answer was produced upstream; now if zero).
func upsertAnswer(tx *gorm.DB, id string, payload []byte, compressed bool, originalSize int, createdAt time.Time) error {
	var existing answerRow
	err := tx.First(&existing, "id = ?", id).Error
	switch {
	case err == nil:
		existing.RefCount++
		return tx.Save(&existing).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		row := answerRow{
			ID:           id,
			Payload:      payload,
			Compressed:   compressed,
			OriginalSize: originalSize,
			CreatedAt:    createdAt,
			RefCount:     1,
		}
		return tx.Create(&row).Error
	default:
		return err
	}
}

func decrementAnswerRefCount(tx *gorm.DB, answerID string) error {
	var a answerRow
	if err := tx.First(&a, "id = ?", answerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	a.RefCount--
	if a.RefCount <= 0 {
		// The question row pointing at it is about to be replaced in this
		// same transaction, so the FK is satisfied by deleting the answer
		// only after the question row no longer references it: delete the
		// dependent question rows first (there should be none besides the
		// one being replaced), then the answer.
		if err := tx.Where("answer_id = ?", answerID).Delete(&questionRow{}).Error; err != nil {
			return err
		}
		return tx.Delete(&a).Error
	}
	return tx.Save(&a).Error
}

// BumpAccess updates last-access time and increments the hit count for a
// fingerprint. Intended to be called asynchronously from the hit path.
func (s *Store) BumpAccess(ctx context.Context, fp domain.Fingerprint) error {
	err := s.db.WithContext(ctx).
		Model(&questionRow{}).
		Where("fingerprint = ?", fp.String()).
		Updates(map[string]any{
			"last_access": time.Now(),
			"hit_count":   gorm.Expr("hit_count + 1"),
		}).Error
	if err != nil {
		return models.NewStoreFailureError("bump_access", err)
	}
	return nil
}

// Prune deletes answers with refcount=0 and hit_count<minHit, or whose age
// exceeds retention, then cascades the deletion to their orphan questions.
// Returns the number of answers removed.
func (s *Store) Prune(ctx context.Context, now time.Time, retention time.Duration, minHit int64) (int, error) {
	cutoff := now.Add(-retention)
	removed := 0

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var victims []answerRow
		if err := tx.Where("ref_count = 0 OR created_at < ?", cutoff).
			Find(&victims).Error; err != nil {
			return err
		}
		// Refine the hit-count condition in Go: GORM can't express
		// "hit_count < minHit" against the questions table directly from
		// an answers-table query, so re-check per victim against the
		// question rows that reference it (there is at most one, by the
		// fingerprint-uniqueness invariant outside override races).
		var toDelete []string
		for _, a := range victims {
			if a.CreatedAt.Before(cutoff) {
				toDelete = append(toDelete, a.ID)
				continue
			}
			var maxHit int64
			tx.Model(&questionRow{}).Where("answer_id = ?", a.ID).
				Select("COALESCE(MAX(hit_count), 0)").Scan(&maxHit)
			if a.RefCount == 0 && maxHit < minHit {
				toDelete = append(toDelete, a.ID)
			}
		}
		if len(toDelete) == 0 {
			return nil
		}
		if err := tx.Where("answer_id IN ?", toDelete).Delete(&questionRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", toDelete).Delete(&answerRow{}).Error; err != nil {
			return err
		}
		removed = len(toDelete)
		return nil
	})
	if err != nil {
		return 0, models.NewStoreFailureError("prune", err)
	}
	return removed, nil
}

// Optimize runs SQLite's PRAGMA optimize, the maintenance-cycle hygiene
// pass the original implementation achieved implicitly by closing and
// reopening its connection around schema migrations.
func (s *Store) Optimize(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("PRAGMA optimize").Error; err != nil {
		return models.NewStoreFailureError("optimize", err)
	}
	return nil
}

// Stats is the cache statistics snapshot emitted by the maintenance loop.
type Stats struct {
	TotalQuestions int64
	TotalAnswers   int64
	TotalBytes     int64
	HitRate        float64
	TopFingerprints []HotFingerprint
}

// HotFingerprint is one entry in the top-k hottest fingerprints list.
type HotFingerprint struct {
	Fingerprint string
	HitCount    int64
}

// Stats computes the aggregate statistics snapshot, including the top-k
// hottest fingerprints by hit count (the supplemented feature from
// original_source/'s print_cache_stats).
func (s *Store) Stats(ctx context.Context, topK int) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)

	if err := db.Model(&questionRow{}).Count(&st.TotalQuestions).Error; err != nil {
		return st, models.NewStoreFailureError("stats", err)
	}
	if err := db.Model(&answerRow{}).Count(&st.TotalAnswers).Error; err != nil {
		return st, models.NewStoreFailureError("stats", err)
	}
	if err := db.Model(&answerRow{}).Select("COALESCE(SUM(original_size), 0)").Scan(&st.TotalBytes).Error; err != nil {
		return st, models.NewStoreFailureError("stats", err)
	}

	var totalHits, totalAccesses int64
	db.Model(&questionRow{}).Select("COALESCE(SUM(hit_count), 0)").Scan(&totalHits)
	totalAccesses = totalHits + st.TotalQuestions
	if totalAccesses > 0 {
		st.HitRate = float64(totalHits) / float64(totalAccesses)
	}

	if topK > 0 {
		var rows []questionRow
		db.Model(&questionRow{}).Order("hit_count DESC").Limit(topK).Find(&rows)
		for _, r := range rows {
			st.TopFingerprints = append(st.TopFingerprints, HotFingerprint{
				Fingerprint: r.Fingerprint,
				HitCount:    r.HitCount,
			})
		}
	}

	return st, nil
}
