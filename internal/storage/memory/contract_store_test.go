package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

func TestContractStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewContractStore()
	require.NoError(t, store.Migrate(ctx))

	n, err := store.InsertContracts(ctx, []harvest.ContractRecord{
		{BidNumber: "GEMC-1", CategoryName: "Laptops"},
		{BidNumber: "GEMC-2", CategoryName: "Laptops"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = store.InsertContracts(ctx, []harvest.ContractRecord{{BidNumber: "GEMC-1"}, {BidNumber: "GEMC-3"}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	incomplete, err := store.SelectIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 3)
	require.Equal(t, []int64{1, 2, 3}, []int64{incomplete[0].ID, incomplete[1].ID, incomplete[2].ID})

	require.NoError(t, store.UpdateArtifactLink(ctx, "GEMC-2", "data/GEMC-2.pdf"))
	require.ErrorIs(t, store.UpdateArtifactLink(ctx, "GEMC-404", "x"), harvest.ErrNotFound)

	unenriched, err := store.SelectUnenriched(ctx)
	require.NoError(t, err)
	require.Len(t, unenriched, 1)
	require.Equal(t, "GEMC-2", unenriched[0].BidNumber)

	*unenriched[0].ArtifactLink = "mutated"
	got, ok := store.Get("GEMC-2")
	require.True(t, ok)
	require.Equal(t, "data/GEMC-2.pdf", *got.ArtifactLink)

	matched, err := store.UpdateSellerInfo(ctx, "GEMC-2", harvest.SellerInfo{SellerName: "Acme"})
	require.NoError(t, err)
	require.True(t, matched)
	matched, err = store.UpdateSellerInfo(ctx, "GEMC-404", harvest.SellerInfo{})
	require.NoError(t, err)
	require.False(t, matched)

	unenriched, err = store.SelectUnenriched(ctx)
	require.NoError(t, err)
	require.Empty(t, unenriched)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, harvest.Counts{Total: 3, Incomplete: 2, Unenriched: 0}, counts)
	require.NoError(t, store.Close())
}
