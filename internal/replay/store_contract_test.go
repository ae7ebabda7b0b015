package replay

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
)

func expectViolation(t *testing.T, fn func()) *ContractViolation {
	t.Helper()
	var got *ContractViolation
	func() {
		defer func() {
			r := recover()
			v, ok := r.(*ContractViolation)
			if !ok {
				t.Fatalf("expected *ContractViolation panic, got %v", r)
			}
			got = v
		}()
		fn()
	}()
	return got
}

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("reserve then duplicate", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Reserve(ctx, "0xabc", intent.ActionLend))
		record, err := store.Get(ctx, "0xabc")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, record.Status)
		assert.Equal(t, intent.ActionLend, record.Action)

		err = store.Reserve(ctx, "0xabc", intent.ActionLend)
		require.Error(t, err)
		assert.True(t, stdErrors.Is(err, ErrDuplicate))
		assert.Equal(t, CodeDuplicate, xerrors.CodeOf(err))
	})

	t.Run("reserve validates id", func(t *testing.T) {
		store := newStore(t)
		err := store.Reserve(context.Background(), "", intent.ActionLend)
		assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	})

	t.Run("concurrent reserve admits exactly one", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		var wins, dups int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Reserve(ctx, "0xrace", intent.ActionSwap)
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case stdErrors.Is(err, ErrDuplicate):
					atomic.AddInt32(&dups, 1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, wins)
		assert.EqualValues(t, 31, dups)
	})

	t.Run("finalize moves pending to terminal once", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Reserve(ctx, "0x1", intent.ActionLend))
		require.NoError(t, store.Finalize(ctx, "0x1", Succeeded("supplied 100 USDC")))

		record, err := store.Get(ctx, "0x1")
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, record.Status)
		assert.Equal(t, "supplied 100 USDC", record.Summary)

		violation := expectViolation(t, func() {
			_ = store.Finalize(ctx, "0x1", Failed("ADAPTER_FAILED", "late"))
		})
		assert.Equal(t, StatusSucceeded, violation.Current)
		assert.Equal(t, StatusFailed, violation.Wanted)

		err = store.Reserve(ctx, "0x1", intent.ActionLend)
		assert.True(t, stdErrors.Is(err, ErrDuplicate))
		coded, ok := xerrors.From(err)
		require.True(t, ok)
		assert.Equal(t, string(StatusSucceeded), coded.Metadata()["status"])
	})

	t.Run("finalize absent record panics", func(t *testing.T) {
		store := newStore(t)
		violation := expectViolation(t, func() {
			_ = store.Finalize(context.Background(), "0xmissing", Succeeded("x"))
		})
		assert.Equal(t, Status(""), violation.Current)
		assert.Contains(t, violation.Error(), "absent")
	})

	t.Run("get missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), "0xnone")
		assert.True(t, stdErrors.Is(err, ErrRecordNotFound))
	})

	t.Run("expire pending", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Reserve(ctx, "0xstale", intent.ActionLend))
		require.NoError(t, store.Reserve(ctx, "0xdone", intent.ActionLog))
		require.NoError(t, store.Finalize(ctx, "0xdone", Succeeded("logged")))

		none, err := store.ExpirePending(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, none)

		expired, err := store.ExpirePending(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "0xstale", expired[0].ID)
		assert.Equal(t, StatusFailed, expired[0].Status)
		assert.Equal(t, string(CodePendingTimeout), expired[0].ErrorCode)

		again, err := store.ExpirePending(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, again)

		expectViolation(t, func() {
			_ = store.Finalize(ctx, "0xstale", Succeeded("too late"))
		})
	})

	t.Run("list and stats", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("0x%02d", i)
			action := intent.ActionLend
			if i%2 == 1 {
				action = intent.ActionSwap
			}
			require.NoError(t, store.Reserve(ctx, id, action))
		}
		require.NoError(t, store.Finalize(ctx, "0x00", Succeeded("ok")))
		require.NoError(t, store.Finalize(ctx, "0x01", Failed("ADAPTER_FAILED", "reverted")))

		all, err := store.List(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Len(t, all, 5)

		pending, err := store.List(ctx, BuildListOptions(WithStatuses(StatusPending)))
		require.NoError(t, err)
		assert.Len(t, pending, 3)

		swaps, err := store.List(ctx, BuildListOptions(WithActions(intent.ActionSwap)))
		require.NoError(t, err)
		assert.Len(t, swaps, 2)

		page, err := store.List(ctx, BuildListOptions(WithLimit(2), WithOffset(4)))
		require.NoError(t, err)
		assert.Len(t, page, 1)

		byCode, err := store.List(ctx, BuildListOptions(WithQuery("ADAPTER_FAILED")))
		require.NoError(t, err)
		require.Len(t, byCode, 1)
		assert.Equal(t, "0x01", byCode[0].ID)

		stats, err := store.Stats(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, Stats{
			Total:           5,
			Pending:         3,
			Succeeded:       1,
			Failed:          1,
			OldestUpdatedAt: stats.OldestUpdatedAt,
			NewestUpdatedAt: stats.NewestUpdatedAt,
		}, stats)
		assert.NotZero(t, stats.NewestUpdatedAt)
	})
}
