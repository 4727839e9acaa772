package registry

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectPing()
	mock.ExpectExec(flexibleSQLMatcher(sqlCreateProjects)).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	store, err := NewPostgresStore(context.Background(), mock, zap.NewNop())
	require.NoError(t, err)
	return store, mock
}

func TestNewPostgresStore(t *testing.T) {
	t.Run("ping failure is propagated", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		pingErr := errors.New("database unavailable")
		mock.ExpectPing().WillReturnError(pingErr)

		_, err = NewPostgresStore(context.Background(), mock, zap.NewNop())
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()

	t.Run("upsert normalizes and reports replacement", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(flexibleSQLMatcher(sqlUpsertProject)).
			WithArgs("alice", "alice@example.com", ReadURLPrefix+"share").
			WillReturnRows(pgxmock.NewRows([]string{"updated"}).AddRow(true))

		updated, err := store.Upsert(ctx, "alice", "alice@example.com", "share")
		require.NoError(t, err)
		assert.True(t, updated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("list keeps insertion order", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(flexibleSQLMatcher(sqlListProjects)).
			WillReturnRows(pgxmock.NewRows([]string{"username", "email", "url"}).
				AddRow("alice", "a@example.com", ReadURLPrefix+"one").
				AddRow("bob", "b@example.com", ReadURLPrefix+"two"))

		entries, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "alice", entries[0].Username)
		assert.Equal(t, "bob", entries[1].Username)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delete matching with wrong email is not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(flexibleSQLMatcher(sqlDeleteMatchingProject)).
			WithArgs("alice", "mallory@example.com").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		err := store.DeleteMatching(ctx, "alice", "mallory@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delete by nickname", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(flexibleSQLMatcher(sqlDeleteProject)).
			WithArgs("alice").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		assert.NoError(t, store.Delete(ctx, "alice"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
