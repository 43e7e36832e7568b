package postgres

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
)

func TestPgCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want pq.ErrorCode
	}{
		{"一意制約違反", &pq.Error{Code: "23505"}, pqUniqueViolation},
		{"ラップされたエラー", fmt.Errorf("insert: %w", &pq.Error{Code: "22P02"}), pqInvalidTextEncoding},
		{"pq 以外のエラー", errors.New("boom"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pgCode(tt.err))
		})
	}
}

func TestStoreError(t *testing.T) {
	cause := errors.New("connection refused")
	err := storeError("予約取得に失敗", cause)

	assert.ErrorIs(t, err, reservation.ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "予約取得に失敗")
}

func TestToEntity(t *testing.T) {
	jst := time.FixedZone("JST", 9*60*60)
	confirmed := time.Date(2025, 6, 1, 18, 0, 10, 0, jst)
	row := &reservationRow{
		ID:              "8f1f6c2e-4d0a-4f55-9a43-0b9a3a1d1a11",
		ProviderID:      "drA",
		ScheduledAt:     time.Date(2025, 6, 1, 19, 0, 0, 0, jst),
		HolderID:        "patient1",
		State:           "confirmed",
		DurationMinutes: 30,
		CreatedAt:       time.Date(2025, 6, 1, 18, 0, 0, 0, jst),
		ExpiresAt:       time.Date(2025, 6, 1, 18, 1, 0, 0, jst),
		ConfirmedAt:     &confirmed,
		UpdatedAt:       confirmed,
	}

	res, err := toEntity(row)
	require.NoError(t, err)
	assert.Equal(t, reservation.StateConfirmed, res.State)
	assert.Equal(t, "drA|2025-06-01T10:00:00Z", res.Resource.String())
	assert.Equal(t, time.UTC, res.CreatedAt.Location())
	require.NotNil(t, res.ConfirmedAt)
	assert.Equal(t, time.UTC, res.ConfirmedAt.Location())
	assert.Nil(t, res.ClosedAt)
	assert.Empty(t, res.CancelReason)

	row.State = "pending"
	_, err = toEntity(row)
	assert.ErrorIs(t, err, reservation.ErrUnknownState)
}
