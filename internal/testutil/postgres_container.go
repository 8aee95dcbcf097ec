//go:build integration

// Package testutil provides integration-test helpers that spin up real
// backing services in containers, for the tests that the in-memory sqlite
// and miniredis fakes can't stand in for.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"
)

const (
	postgresPort = "5432/tcp"

	// PostgresStartupTimeout accounts for cold image pulls on CI runners.
	PostgresStartupTimeout = 60 * time.Second
)

// PostgresContainer holds a running Postgres instance and the DSN used to
// reach it from the test process.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgresContainer starts a disposable Postgres instance for the
// allocator and lifecycle integration tests that need the production
// database driver's transactional semantics, which the in-memory sqlite3
// driver used by the rest of the package's tests doesn't exercise
// identically.
func StartPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{postgresPort},
		Env: map[string]string{
			"POSTGRES_USER":     "proximity",
			"POSTGRES_PASSWORD": "proximity",
			"POSTGRES_DB":       "proximity",
		},
		WaitingFor: wait.ForListeningPort(postgresPort).WithStartupTimeout(PostgresStartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("starting postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("getting postgres container host: %w", err)
	}
	mapped, err := container.MappedPort(ctx, "5432")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("getting postgres container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://proximity:proximity@%s:%s/proximity?sslmode=disable", host, mapped.Port())
	if err := waitForConnection(ctx, dsn); err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("waiting for postgres to accept connections: %w", err)
	}

	return &PostgresContainer{Container: container, DSN: dsn}, nil
}

// waitForConnection retries until the driver can open and ping dsn, since a
// listening port doesn't guarantee Postgres has finished accepting
// connections yet.
func waitForConnection(ctx context.Context, dsn string) error {
	deadline := time.Now().Add(PostgresStartupTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		db, err := sql.Open("postgres", dsn)
		if err == nil {
			lastErr = db.PingContext(ctx)
			db.Close()
			if lastErr == nil {
				return nil
			}
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return lastErr
}

// Stop terminates the Postgres container.
func (p *PostgresContainer) Stop(ctx context.Context) error {
	if p.Container != nil {
		return p.Container.Terminate(ctx)
	}
	return nil
}
