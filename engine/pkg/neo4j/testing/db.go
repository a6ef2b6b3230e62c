package neo4jtesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"

	"github.com/rsprolipsi/compensation/engine/pkg/neo4j"
)

type DBConfig struct {
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Username == "" {
		cfg.Username = "neo4j"
	}
	if cfg.Password == "" {
		cfg.Password = "password123"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "neo4j:5-community"
	}
	return nil
}

// DB is a Neo4j container. Community edition has a single database, so
// tests sharing it must use distinct participant ids.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	boltURL   string
	container *tcneo4j.Neo4jContainer
}

func (db *DB) BoltURL() string {
	return db.boltURL
}

func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate Neo4j container", "error", err)
	}
}

func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	var container *tcneo4j.Neo4jContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcneo4j.Run(ctx,
			cfg.ContainerImage,
			tcneo4j.WithAdminPassword(cfg.Password),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start Neo4j container after retries: %w", lastErr)
		}
		break
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start Neo4j container after retries: %w", lastErr)
	}

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get Neo4j bolt url: %w", err)
	}

	db := &DB{log: log, cfg: cfg, boltURL: boltURL, container: container}

	client, err := neo4j.NewClient(ctx, log, boltURL, neo4j.DefaultDatabase, cfg.Username, cfg.Password)
	if err != nil {
		db.Close()
		return nil, err
	}
	defer client.Close(ctx)
	if err := neo4j.InitializeSchema(ctx, log, client); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func NewTestClient(t *testing.T, db *DB) neo4j.Client {
	t.Helper()
	client, err := neo4j.NewClient(t.Context(), db.log, db.boltURL, neo4j.DefaultDatabase, db.cfg.Username, db.cfg.Password)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(ctx)
	})
	return client
}

func NewReadOnlyTestClient(t *testing.T, db *DB) neo4j.Client {
	t.Helper()
	client, err := neo4j.NewReadOnlyClient(t.Context(), db.log, db.boltURL, neo4j.DefaultDatabase, db.cfg.Username, db.cfg.Password)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(ctx)
	})
	return client
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json")
}
