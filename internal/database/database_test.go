package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
}

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, IsSerializationFailure(&pq.Error{Code: "40001"}))
	assert.True(t, IsSerializationFailure(&pq.Error{Code: "40P01"}))
	assert.False(t, IsSerializationFailure(&pq.Error{Code: "23505"}))
}

func TestNoTx_RunsFn(t *testing.T) {
	called := false
	err := NoTx{}.WithTx(context.Background(), func(ctx context.Context) error {
		called = true
		_, ok := TxFromContext(ctx)
		assert.False(t, ok)
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
}

func TestNullTime(t *testing.T) {
	assert.False(t, NullTime(time.Time{}).Valid)
	now := time.Now()
	nt := NullTime(now)
	assert.True(t, nt.Valid)
	assert.Equal(t, now, nt.Time)
}
