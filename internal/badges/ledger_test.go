package badges

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-sync/internal/database"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil)
}

func TestAwardIfAbsentOnce(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	awarded, err := ledger.AwardIfAbsent(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, awarded)

	awarded, err = ledger.AwardIfAbsent(ctx, 1, 10)
	require.NoError(t, err)
	assert.False(t, awarded)

	// Different badge, different user
	awarded, err = ledger.AwardIfAbsent(ctx, 1, 11)
	require.NoError(t, err)
	assert.True(t, awarded)
	awarded, err = ledger.AwardIfAbsent(ctx, 2, 10)
	require.NoError(t, err)
	assert.True(t, awarded)

	awards, err := ledger.ListAwards(ctx, 1)
	require.NoError(t, err)
	require.Len(t, awards, 2)
}

func TestAwardIfAbsentConcurrent(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	const callers = 25
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.AwardIfAbsent(ctx, 7, 99)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())

	awards, err := ledger.ListAwards(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, awards, 1)
}
