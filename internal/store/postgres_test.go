package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/require"
)

// TestPostgresStore runs the shared contract against a throwaway Postgres
// container. Opt in with JOBENGINE_PG_INTEGRATION=1 (needs a Docker daemon).
func TestPostgresStore(t *testing.T) {
	if os.Getenv("JOBENGINE_PG_INTEGRATION") == "" {
		t.Skip("set JOBENGINE_PG_INTEGRATION=1 to run against Postgres")
	}

	pool, err := dockertest.NewPool("")
	require.NoError(t, err)
	pool.MaxWait = 90 * time.Second

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env:        []string{"POSTGRES_PASSWORD=postgres", "POSTGRES_DB=jobs"},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s/jobs?sslmode=disable", resource.GetHostPort("5432/tcp"))
	ctx := context.Background()

	var pg *Postgres
	require.NoError(t, pool.Retry(func() error {
		var err error
		if pg, err = NewPostgres(ctx, dsn); err != nil {
			return err
		}
		if err := pg.Ping(ctx); err != nil {
			pg.Close()
			return err
		}
		return nil
	}))
	t.Cleanup(pg.Close)
	require.NoError(t, pg.RunMigrations(ctx))
	require.NoError(t, pg.RunMigrations(ctx), "migrations must be idempotent")

	runContract(t, func(t *testing.T) Store {
		_, err := pg.pool.Exec(ctx, `TRUNCATE jobs, job_runs, job_run_seq`)
		require.NoError(t, err)
		return pg
	})
}
