package validate

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

type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

// connect opens a read-only session source for validation queries.
func connect(ctx context.Context, cfg config.Neo4j) (sessionOpener, func(context.Context) error, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, nil, fmt.Errorf("validate: %w: %v", omop.ErrConnectivity, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, nil, fmt.Errorf("validate: %w: %v", omop.ErrConnectivity, err)
	}
	open := func(ctx context.Context) runner {
		return &neo4jSessionAdapter{sess: driver.NewSession(ctx, neo4j.SessionConfig{
			DatabaseName: cfg.Database,
			AccessMode:   neo4j.AccessModeRead,
		})}
	}
	return open, driver.Close, nil
}

func readInt(ctx context.Context, sess runner, cypher string, params map[string]any) (int64, error) {
	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return 0, err
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("validate: no record from %q", cypher)
	}
	switch v := res.Record().Values[0].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	}
	return 0, fmt.Errorf("validate: %q returned non-numeric value", cypher)
}
