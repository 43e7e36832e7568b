package postgres

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/config"
)

func TestConfigurePool(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.DatabaseConfig
		wantOpen int
	}{
		{"設定値を反映する", config.DatabaseConfig{MaxOpenConns: 25, MaxIdleConns: 10, ConnMaxIdleTime: time.Minute}, 25},
		{"0なら上限なしのまま", config.DatabaseConfig{}, 0},
		{"アイドル数は上限に丸める", config.DatabaseConfig{MaxOpenConns: 4, MaxIdleConns: 10}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// sql.Open は接続しないため DB がなくても検証できる
			db, err := sqlx.Open("postgres", "postgres://localhost:1/none?sslmode=disable")
			require.NoError(t, err)
			defer db.Close()

			configurePool(db, &tt.cfg)

			assert.Equal(t, tt.wantOpen, db.Stats().MaxOpenConnections)
		})
	}
}
