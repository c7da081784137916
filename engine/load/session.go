package load

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/vocagraph/omop2neo4j/engine/omop"
	"github.com/vocagraph/omop2neo4j/pkg/config"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// sessionOpener opens one session per call; injected for testing.
type sessionOpener func(ctx context.Context) runner

// neo4jSessionAdapter adapts neo4j.SessionWithContext to the runner interface.
type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

// Graph wraps a Neo4j driver and hands out sessions bound to one database.
type Graph struct {
	driver neo4j.DriverWithContext
	db     string
}

// Connect opens and verifies a Neo4j connection.
func Connect(ctx context.Context, cfg config.Neo4j) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("load: %w: %v", omop.ErrConnectivity, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("load: %w: %v", omop.ErrConnectivity, err)
	}
	return &Graph{driver: driver, db: cfg.Database}, nil
}

// Opener returns the session opener for this connection.
func (g *Graph) Opener() sessionOpener {
	return func(ctx context.Context) runner {
		return &neo4jSessionAdapter{
			sess: g.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: g.db}),
		}
	}
}

// Close shuts the underlying driver down.
func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// readCount runs a query expected to return a single integer column.
func readCount(ctx context.Context, sess runner, cypher string, params map[string]any) (int64, error) {
	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return 0, err
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("load: no record from %q", cypher)
	}
	v := res.Record().Values[0]
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("load: %q returned %T, want int64", cypher, v)
	}
	return n, nil
}

// readRows collects keyed values from every record of a query.
func readRows(ctx context.Context, sess runner, cypher string, keys ...string) ([]map[string]any, error) {
	res, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for res.Next(ctx) {
		row := make(map[string]any, len(keys))
		for _, k := range keys {
			row[k], _ = res.Record().Get(k)
		}
		out = append(out, row)
	}
	return out, res.Err()
}
