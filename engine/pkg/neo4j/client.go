// Package neo4j serves the sponsor graph from Neo4j.
package neo4j

import (
	"context"
	"fmt"
	"log/slog"

	neo4jdriver "github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const DefaultDatabase = "neo4j"

type Transaction = neo4jdriver.ManagedTransaction

type Result = neo4jdriver.ResultWithContext

type TransactionWork func(tx Transaction) (any, error)

type Client interface {
	Session(ctx context.Context) (Session, error)
	Close(ctx context.Context) error
}

type Session interface {
	Run(ctx context.Context, cypher string, params map[string]any) (Result, error)
	ExecuteRead(ctx context.Context, work TransactionWork) (any, error)
	ExecuteWrite(ctx context.Context, work TransactionWork) (any, error)
	Close(ctx context.Context) error
}

type client struct {
	driver     neo4jdriver.DriverWithContext
	database   string
	accessMode neo4jdriver.AccessMode
	log        *slog.Logger
}

type session struct {
	session neo4jdriver.SessionWithContext
}

// NewClient connects with write access.
func NewClient(ctx context.Context, log *slog.Logger, uri, database, username, password string) (Client, error) {
	return newClient(ctx, log, uri, database, username, password, neo4jdriver.AccessModeWrite)
}

// NewReadOnlyClient connects with sessions that reject writes.
func NewReadOnlyClient(ctx context.Context, log *slog.Logger, uri, database, username, password string) (Client, error) {
	return newClient(ctx, log, uri, database, username, password, neo4jdriver.AccessModeRead)
}

func newClient(ctx context.Context, log *slog.Logger, uri, database, username, password string, mode neo4jdriver.AccessMode) (Client, error) {
	if database == "" {
		database = DefaultDatabase
	}
	driver, err := neo4jdriver.NewDriverWithContext(uri, neo4jdriver.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}

	log.Info("Neo4j client initialized", "uri", uri, "database", database, "readOnly", mode == neo4jdriver.AccessModeRead)
	return &client{driver: driver, database: database, accessMode: mode, log: log}, nil
}

func (c *client) Session(ctx context.Context) (Session, error) {
	return &session{
		session: c.driver.NewSession(ctx, neo4jdriver.SessionConfig{
			DatabaseName: c.database,
			AccessMode:   c.accessMode,
		}),
	}, nil
}

func (c *client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (s *session) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return s.session.Run(ctx, cypher, params)
}

func (s *session) ExecuteRead(ctx context.Context, work TransactionWork) (any, error) {
	return s.session.ExecuteRead(ctx, neo4jdriver.ManagedTransactionWork(work))
}

func (s *session) ExecuteWrite(ctx context.Context, work TransactionWork) (any, error) {
	return s.session.ExecuteWrite(ctx, neo4jdriver.ManagedTransactionWork(work))
}

func (s *session) Close(ctx context.Context) error {
	return s.session.Close(ctx)
}

// InitializeSchema creates the participant uniqueness constraint.
func InitializeSchema(ctx context.Context, log *slog.Logger, c Client) error {
	s, err := c.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to open Neo4j session: %w", err)
	}
	defer s.Close(ctx)

	_, err = s.ExecuteWrite(ctx, func(tx Transaction) (any, error) {
		res, err := tx.Run(ctx, `CREATE CONSTRAINT participant_id IF NOT EXISTS FOR (p:Participant) REQUIRE p.id IS UNIQUE`, nil)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to create participant constraint: %w", err)
	}
	log.Info("Neo4j schema initialized")
	return nil
}
