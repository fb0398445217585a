package services

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/privyhq/signal_api/shared"
)

func TestHandleDBError(t *testing.T) {
	assert.NoError(t, HandleDBError(nil))

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", fmt.Errorf("get: %w", gorm.ErrRecordNotFound), http.StatusNotFound},
		{"duplicated key", gorm.ErrDuplicatedKey, http.StatusConflict},
		{"unique violation", errors.New(`ERROR: duplicate key value violates unique constraint "idx_blacklist_entry"`), http.StatusConflict},
		{"foreign key", gorm.ErrForeignKeyViolated, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr, ok := shared.GetAppError(HandleDBError(tt.err))
			require.True(t, ok)
			assert.Equal(t, tt.status, appErr.StatusCode)
		})
	}

	err := HandleDBError(errors.New("connection reset"))
	_, ok := shared.GetAppError(err)
	assert.False(t, ok)
	assert.ErrorContains(t, err, "connection reset")
}

func TestDSNFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "signals")

	dsn := DSNFromEnv()
	assert.Contains(t, dsn, "host=db.internal")
	assert.Contains(t, dsn, "dbname=signals")
	assert.Contains(t, dsn, "sslmode=disable")

	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/x")
	assert.Equal(t, "postgres://u:p@localhost:5432/x", DSNFromEnv())
}
