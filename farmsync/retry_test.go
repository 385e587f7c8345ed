// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsRetryablePGTxError(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		err := fmt.Errorf("tx failed: %w", &pgconn.PgError{Code: code})
		require.True(t, isRetryablePGTxError(err), "code %s", code)
	}

	require.False(t, isRetryablePGTxError(&pgconn.PgError{Code: "23505"}))
	require.False(t, isRetryablePGTxError(errors.New("plain error")))
	require.False(t, isRetryablePGTxError(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	require.False(t, isUniqueViolation(&pgconn.PgError{Code: "40001"}))
	require.False(t, isUniqueViolation(errors.New("duplicate key")))
}

func TestSleepWithContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleepWithContext(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, sleepWithContext(context.Background(), 0))
}
