package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
)

const (
	pqUniqueViolation     = "23505"
	pqInvalidTextEncoding = "22P02"
)

const reservationColumns = `id, provider_id, scheduled_at, holder_id, state, duration_minutes,
	created_at, expires_at, confirmed_at, closed_at, cancel_reason, updated_at`

type reservationRow struct {
	ID              string         `db:"id"`
	ProviderID      string         `db:"provider_id"`
	ScheduledAt     time.Time      `db:"scheduled_at"`
	HolderID        string         `db:"holder_id"`
	State           string         `db:"state"`
	DurationMinutes int            `db:"duration_minutes"`
	CreatedAt       time.Time      `db:"created_at"`
	ExpiresAt       time.Time      `db:"expires_at"`
	ConfirmedAt     *time.Time     `db:"confirmed_at"`
	ClosedAt        *time.Time     `db:"closed_at"`
	CancelReason    sql.NullString `db:"cancel_reason"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// ReservationStore は PostgreSQL 上の予約ストア
// 同一リソースの排他は部分ユニークインデックス uq_reservations_active_resource が担う
type ReservationStore struct{ db *sqlx.DB }

func NewReservationStore(db *sqlx.DB) *ReservationStore {
	return &ReservationStore{db: db}
}

func (s *ReservationStore) TryInsertHold(ctx context.Context, res *reservation.Reservation) (bool, error) {
	query := `INSERT INTO reservations (id, provider_id, scheduled_at, holder_id, state, duration_minutes, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.ExecContext(ctx, query,
		res.ID, res.Resource.ProviderID, res.Resource.ScheduledAt, res.HolderID, res.State.String(),
		res.DurationMinutes, res.CreatedAt, res.ExpiresAt, res.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == pqUniqueViolation {
			return false, nil
		}
		return false, storeError("仮押さえ作成に失敗", err)
	}
	return true, nil
}

func (s *ReservationStore) GetByID(ctx context.Context, id string) (*reservation.Reservation, error) {
	var row reservationRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id); err != nil {
		// UUID として不正なIDは存在しないものとして扱う
		if errors.Is(err, sql.ErrNoRows) || pgCode(err) == pqInvalidTextEncoding {
			return nil, reservation.ErrNotFound
		}
		return nil, storeError("予約取得に失敗", err)
	}
	return toEntity(&row)
}

// UpdateState は state が From の行だけを To に更新する
func (s *ReservationStore) UpdateState(ctx context.Context, change reservation.StateChange) (bool, error) {
	if !change.From.CanTransitionTo(change.To) {
		return false, reservation.ErrInvalidState
	}

	var confirmedAt, closedAt *time.Time
	var reason sql.NullString
	switch change.To {
	case reservation.StateConfirmed:
		confirmedAt = &change.At
	case reservation.StateCancelled:
		closedAt = &change.At
		reason = sql.NullString{String: change.Reason, Valid: change.Reason != ""}
	case reservation.StateExpired:
		closedAt = &change.At
	}

	query := `UPDATE reservations
		SET state = $1, updated_at = $2,
			confirmed_at = COALESCE($3, confirmed_at),
			closed_at = COALESCE($4, closed_at),
			cancel_reason = COALESCE($5, cancel_reason)
		WHERE id = $6 AND state = $7`
	result, err := s.db.ExecContext(ctx, query,
		change.To.String(), change.At, confirmedAt, closedAt, reason, change.ID, change.From.String(),
	)
	if err != nil {
		if pgCode(err) == pqInvalidTextEncoding {
			return false, nil
		}
		return false, storeError("予約状態の更新に失敗", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, storeError("更新件数の取得に失敗", err)
	}
	return rows == 1, nil
}

func (s *ReservationStore) FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*reservation.Reservation, error) {
	var rows []reservationRow
	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE state = 'held' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`
	if err := s.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, storeError("期限切れ仮押さえの取得に失敗", err)
	}
	return toEntities(rows)
}

func (s *ReservationStore) FindActiveByResource(ctx context.Context, key reservation.ResourceKey) (*reservation.Reservation, error) {
	var row reservationRow
	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE provider_id = $1 AND scheduled_at = $2 AND state IN ('held', 'confirmed')`
	if err := s.db.GetContext(ctx, &row, query, key.ProviderID, key.ScheduledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, reservation.ErrNotFound
		}
		return nil, storeError("リソースの予約取得に失敗", err)
	}
	return toEntity(&row)
}

func (s *ReservationStore) ListByHolder(ctx context.Context, holderID string, limit, offset int) ([]*reservation.Reservation, error) {
	var rows []reservationRow
	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE holder_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	if err := s.db.SelectContext(ctx, &rows, query, holderID, limit, offset); err != nil {
		return nil, storeError("予約一覧取得に失敗", err)
	}
	return toEntities(rows)
}

func (s *ReservationStore) ListActiveByProvider(ctx context.Context, providerID string, from, to time.Time) ([]*reservation.Reservation, error) {
	var rows []reservationRow
	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE provider_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3 AND state IN ('held', 'confirmed')
		ORDER BY scheduled_at`
	if err := s.db.SelectContext(ctx, &rows, query, providerID, from, to); err != nil {
		return nil, storeError("担当医の予約一覧取得に失敗", err)
	}
	return toEntities(rows)
}

func toEntity(row *reservationRow) (*reservation.Reservation, error) {
	state, err := reservation.ParseState(row.State)
	if err != nil {
		return nil, fmt.Errorf("予約 %s: %w", row.ID, err)
	}
	return &reservation.Reservation{
		ID:              row.ID,
		Resource:        reservation.NewResourceKey(row.ProviderID, row.ScheduledAt),
		HolderID:        row.HolderID,
		State:           state,
		DurationMinutes: row.DurationMinutes,
		CreatedAt:       row.CreatedAt.UTC(),
		ExpiresAt:       row.ExpiresAt.UTC(),
		ConfirmedAt:     utcPtr(row.ConfirmedAt),
		ClosedAt:        utcPtr(row.ClosedAt),
		CancelReason:    row.CancelReason.String,
		UpdatedAt:       row.UpdatedAt.UTC(),
	}, nil
}

func toEntities(rows []reservationRow) ([]*reservation.Reservation, error) {
	result := make([]*reservation.Reservation, 0, len(rows))
	for i := range rows {
		res, err := toEntity(&rows[i])
		if err != nil {
			return nil, err
		}
		result = append(result, res)
	}
	return result, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func pgCode(err error) pq.ErrorCode {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// storeError はインフラ障害を ErrStoreUnavailable として包む
func storeError(msg string, err error) error {
	return fmt.Errorf("%s: %w: %w", msg, reservation.ErrStoreUnavailable, err)
}

var _ reservation.Store = (*ReservationStore)(nil)
