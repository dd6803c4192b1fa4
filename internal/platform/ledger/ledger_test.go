package ledger

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newMemLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAnchorAndLookup(t *testing.T) {
	l := newMemLedger(t)
	ctx := context.Background()

	e1, err := l.Anchor(ctx, "test-1", "abc")
	require.NoError(t, err)
	require.Equal(t, uint64(1), e1.Height)
	require.Empty(t, e1.PrevTxHash)
	require.Equal(t, TxHash("", "test-1", "abc"), e1.TxHash)

	e2, err := l.Anchor(ctx, "test-2", "def")
	require.NoError(t, err)
	require.Equal(t, uint64(2), e2.Height)
	require.Equal(t, e1.TxHash, e2.PrevTxHash)

	got, err := l.Lookup(ctx, "test-1")
	require.NoError(t, err)
	require.Equal(t, "abc", got.Hash)
	require.Equal(t, e1.TxHash, got.TxHash)

	byTx, err := l.LookupTx(ctx, e2.TxHash)
	require.NoError(t, err)
	require.Equal(t, "test-2", byTx.TestID)

	h, err := l.Height()
	require.NoError(t, err)
	require.Equal(t, uint64(2), h)
}

func TestAnchor_RefusesOverwrite(t *testing.T) {
	l := newMemLedger(t)
	ctx := context.Background()

	_, err := l.Anchor(ctx, "test-1", "abc")
	require.NoError(t, err)

	_, err = l.Anchor(ctx, "test-1", "tampered")
	require.ErrorIs(t, err, ErrAlreadyAnchored)

	got, err := l.Lookup(ctx, "test-1")
	require.NoError(t, err)
	require.Equal(t, "abc", got.Hash)
}

func TestAnchor_Validation(t *testing.T) {
	l := newMemLedger(t)
	_, err := l.Anchor(context.Background(), "", "abc")
	require.Error(t, err)
	_, err = l.Anchor(context.Background(), "t", "")
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Anchor(ctx, "t", "abc")
	require.ErrorIs(t, err, context.Canceled)
}

func TestLookup_NotAnchored(t *testing.T) {
	l := newMemLedger(t)
	_, err := l.Lookup(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotAnchored)
	_, err = l.LookupTx(context.Background(), "deadbeef")
	require.ErrorIs(t, err, ErrNotAnchored)
}

func TestVerify_DetectsRewrittenEntry(t *testing.T) {
	l := newMemLedger(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := l.Anchor(ctx, id, "hash-"+id)
		require.NoError(t, err)
	}
	require.NoError(t, l.Verify(ctx))

	e, err := l.Lookup(ctx, "b")
	require.NoError(t, err)
	e.Hash = "forged"
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, l.db.Put([]byte(prefixAnchor+"b"), raw, nil))

	require.ErrorIs(t, l.Verify(ctx), ErrChainBroken)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	ctx := context.Background()

	l, err := Open(dir)
	require.NoError(t, err)
	first, err := l.Anchor(ctx, "test-1", "abc")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(dir)
	require.NoError(t, err)
	defer l.Close()

	second, err := l.Anchor(ctx, "test-2", "def")
	require.NoError(t, err)
	require.Equal(t, first.TxHash, second.PrevTxHash)
	require.NoError(t, l.Verify(ctx))
}
