package jobstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/book-expert/narration-service/internal/jobstore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// postgresDSNEnv names a PostgreSQL database the tests may create tables in.
const postgresDSNEnv = "NARRATION_TEST_POSTGRES_DSN"

func TestPostgres(t *testing.T) {
	t.Parallel()

	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := jobstore.NewPostgres(pool)
	require.NoError(t, store.Migrate(ctx))

	exerciseStore(t, store)
}
