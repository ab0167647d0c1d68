package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/storefront-orderflow/internal/awstest"
)

func TestStore_PutGetList(t *testing.T) {
	t.Parallel()
	mock := awstest.NewDynamoDB()
	mock.AddTable("products", "product_id")
	store := NewStore(mock, "products")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Product{ProductID: "p2", Name: "Scrub Pant", Price: 20, Stock: 3, Sizes: []string{"S", "M"}}))
	require.NoError(t, store.Put(ctx, Product{ProductID: "p1", Name: "Lab Coat", Price: 45, Stock: 1}))

	got, err := store.Get(ctx, "p2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"S", "M"}, got.Sizes)
	assert.False(t, got.UpdatedAt.IsZero())

	missing, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Lab Coat", all[0].Name)
}

func TestStore_ErrorsAreWrapped(t *testing.T) {
	t.Parallel()
	mock := awstest.NewDynamoDB()
	mock.AddTable("products", "product_id")
	boom := errors.New("boom")
	mock.FailOn("Scan", boom)

	_, err := NewStore(mock, "products").List(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestProduct_InStock(t *testing.T) {
	t.Parallel()
	p := Product{Stock: 2}
	assert.True(t, p.InStock(2))
	assert.False(t, p.InStock(3))
	assert.False(t, p.InStock(0))
}
