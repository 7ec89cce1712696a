package database_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skulltech/bitespeed-backend-assignment/internal/models"
	"github.com/skulltech/bitespeed-backend-assignment/internal/service"
)

func ptr[T any](v T) *T {
	return &v
}

func ids(contacts []models.Contact) []int64 {
	out := make([]int64, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, c.ID)
	}
	return out
}

// testRepositoryContract exercises the behavior every ContactRepository backend shares.
// newRepo must return an empty repository.
func testRepositoryContract(t *testing.T, newRepo func(t *testing.T) service.ContactRepository) {
	ctx := context.Background()

	t.Run("create assigns increasing ids", func(t *testing.T) {
		repo := newRepo(t)

		first, err := repo.Create(ctx, ptr("a@example.com"), ptr("111"), models.LinkPrecedencePrimary, nil)
		require.NoError(t, err)
		second, err := repo.Create(ctx, nil, ptr("222"), models.LinkPrecedenceSecondary, &first.ID)
		require.NoError(t, err)

		assert.Greater(t, second.ID, first.ID)
		assert.Equal(t, models.LinkPrecedencePrimary, first.LinkPrecedence)
		assert.Nil(t, first.LinkedID)
		assert.Nil(t, second.Email)
		require.NotNil(t, second.LinkedID)
		assert.Equal(t, first.ID, *second.LinkedID)
		assert.False(t, first.CreatedAt.IsZero())
	})

	t.Run("create rejects unknown precedence", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Create(ctx, ptr("a@example.com"), nil, models.LinkPrecedence("tertiary"), nil)
		assert.Error(t, err)
	})

	t.Run("find matching by either field", func(t *testing.T) {
		repo := newRepo(t)
		a, err := repo.Create(ctx, ptr("a@example.com"), ptr("111"), models.LinkPrecedencePrimary, nil)
		require.NoError(t, err)
		b, err := repo.Create(ctx, ptr("b@example.com"), ptr("222"), models.LinkPrecedencePrimary, nil)
		require.NoError(t, err)
		_, err = repo.Create(ctx, ptr("c@example.com"), nil, models.LinkPrecedencePrimary, nil)
		require.NoError(t, err)

		got, err := repo.FindMatching(ctx, ptr("a@example.com"), nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{a.ID}, ids(got))

		got, err = repo.FindMatching(ctx, nil, ptr("222"))
		require.NoError(t, err)
		assert.Equal(t, []int64{b.ID}, ids(got))

		got, err = repo.FindMatching(ctx, ptr("a@example.com"), ptr("222"))
		require.NoError(t, err)
		assert.Equal(t, []int64{a.ID, b.ID}, ids(got))

		got, err = repo.FindMatching(ctx, ptr("nobody@example.com"), ptr("000"))
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = repo.FindMatching(ctx, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("find by ids or linked ids", func(t *testing.T) {
		repo := newRepo(t)
		root, err := repo.Create(ctx, ptr("a@example.com"), nil, models.LinkPrecedencePrimary, nil)
		require.NoError(t, err)
		child, err := repo.Create(ctx, ptr("b@example.com"), nil, models.LinkPrecedenceSecondary, &root.ID)
		require.NoError(t, err)
		other, err := repo.Create(ctx, ptr("c@example.com"), nil, models.LinkPrecedencePrimary, nil)
		require.NoError(t, err)

		got, err := repo.FindByIDsOrLinkedIDs(ctx, []int64{root.ID}, nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{root.ID, child.ID}, ids(got))

		got, err = repo.FindByIDsOrLinkedIDs(ctx, []int64{root.ID, other.ID}, []int64{root.ID})
		require.NoError(t, err)
		assert.Equal(t, []int64{child.ID, other.ID}, ids(got))

		got, err = repo.FindByIDsOrLinkedIDs(ctx, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("demote to secondary", func(t *testing.T) {
		repo := newRepo(t)
		keep, err := repo.Create(ctx, ptr("a@example.com"), nil, models.LinkPrecedencePrimary, nil)
		require.NoError(t, err)
		demote, err := repo.Create(ctx, ptr("b@example.com"), nil, models.LinkPrecedencePrimary, nil)
		require.NoError(t, err)

		require.NoError(t, repo.DemoteToSecondary(ctx, []int64{demote.ID}, keep.ID))

		got, err := repo.FindMatching(ctx, ptr("b@example.com"), nil)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, models.LinkPrecedenceSecondary, got[0].LinkPrecedence)
		require.NotNil(t, got[0].LinkedID)
		assert.Equal(t, keep.ID, *got[0].LinkedID)

		got, err = repo.FindMatching(ctx, ptr("a@example.com"), nil)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].IsPrimary())
	})

	t.Run("transactions roll back on error", func(t *testing.T) {
		repo := newRepo(t)
		tx, ok := repo.(service.Transactor)
		if !ok {
			t.Skip("repository is not transactional")
		}

		boom := errors.New("abort")
		err := tx.RunInTx(ctx, func(r service.ContactRepository) error {
			if _, err := r.Create(ctx, ptr("a@example.com"), nil, models.LinkPrecedencePrimary, nil); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := repo.FindMatching(ctx, ptr("a@example.com"), nil)
		require.NoError(t, err)
		assert.Empty(t, got)

		err = tx.RunInTx(ctx, func(r service.ContactRepository) error {
			_, err := r.Create(ctx, ptr("a@example.com"), nil, models.LinkPrecedencePrimary, nil)
			return err
		})
		require.NoError(t, err)

		got, err = repo.FindMatching(ctx, ptr("a@example.com"), nil)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}
