package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, ErrCodeTransient, "provision worker")

	assert.Equal(t, "provision worker: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)

	bare := Validation("bad input")
	assert.Equal(t, "bad input", bare.Error())
	assert.Nil(t, bare.Unwrap())
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "x"))
	assert.Nil(t, Wrapf(nil, ErrCodeInternal, "x %d", 1))
}

func TestCodePredicates(t *testing.T) {
	assert.True(t, IsNotFound(NotFoundf("job %s", "j1")))
	assert.True(t, IsConflict(Conflict("dup")))
	assert.True(t, IsValidation(ValidationField("vote", "required")))
	assert.True(t, IsCapacity(Capacity("no worker ready")))
	assert.True(t, IsTransient(Transientf("attempt %d failed", 2)))
	assert.True(t, IsInternal(Internal("boom")))

	// Timeouts count as transient for retry decisions.
	assert.True(t, IsTransient(&AppError{Code: ErrCodeTimeout, Message: "t"}))

	assert.False(t, IsCapacity(errors.New("plain")))
	assert.False(t, IsTransient(Validation("nope")))
}

func TestCodePredicates_WrappedChains(t *testing.T) {
	inner := Capacity("no worker ready")
	outer := fmt.Errorf("dispatch job: %w", inner)

	assert.True(t, IsCapacity(outer))
	assert.Equal(t, ErrCodeCapacity, GetCode(outer))
}

func TestGetField(t *testing.T) {
	assert.Equal(t, "vote", GetField(ValidationField("vote", "required")))
	assert.Empty(t, GetField(errors.New("plain")))
}

func TestMapDBError_Sentinels(t *testing.T) {
	assert.Nil(t, MapDBError(nil))

	assert.True(t, IsNotFound(MapDBError(pgx.ErrNoRows)))
	assert.True(t, IsTimeout(MapDBError(context.DeadlineExceeded)))
	assert.True(t, IsCanceled(MapDBError(context.Canceled)))

	plain := errors.New("not a db error")
	assert.Equal(t, plain, MapDBError(plain))
}

func TestMapDBError_PgCodes(t *testing.T) {
	tests := []struct {
		name   string
		pgErr  *pgconn.PgError
		verify func(t *testing.T, err error)
	}{
		{
			name:  "unique violation extracts field from detail",
			pgErr: &pgconn.PgError{Code: pgerrcode.UniqueViolation, Detail: `Key (dedup_key)=(abc) already exists.`},
			verify: func(t *testing.T, err error) {
				assert.True(t, IsConflict(err))
				assert.Equal(t, "dedup_key", GetField(err))
			},
		},
		{
			name:  "serialization failure is transient",
			pgErr: &pgconn.PgError{Code: pgerrcode.SerializationFailure},
			verify: func(t *testing.T, err error) {
				assert.True(t, IsTransient(err))
			},
		},
		{
			name:  "deadlock is transient",
			pgErr: &pgconn.PgError{Code: pgerrcode.DeadlockDetected},
			verify: func(t *testing.T, err error) {
				assert.True(t, IsTransient(err))
			},
		},
		{
			name:  "check violation is validation",
			pgErr: &pgconn.PgError{Code: pgerrcode.CheckViolation, ColumnName: "priority"},
			verify: func(t *testing.T, err error) {
				assert.True(t, IsValidation(err))
				assert.Equal(t, "priority", GetField(err))
			},
		},
		{
			name:  "unknown code is internal",
			pgErr: &pgconn.PgError{Code: pgerrcode.DiskFull},
			verify: func(t *testing.T, err error) {
				assert.True(t, IsInternal(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := MapDBError(tt.pgErr)
			require.Error(t, mapped)
			assert.ErrorIs(t, mapped, tt.pgErr)
			tt.verify(t, mapped)
		})
	}
}
