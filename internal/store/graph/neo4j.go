package graph

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"polystore-backend/internal/config"
)

// boltRunner executes Cypher through the Bolt driver and materializes rows
// eagerly. One runner holds one driver; the driver pools connections
// internally.
type boltRunner struct {
	driver   neo4j.DriverWithContext
	database string
	timeout  time.Duration
}

func newBoltRunner(ctx context.Context, cfg config.Graph) (*boltRunner, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, err
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return &boltRunner{driver: driver, database: cfg.Database, timeout: cfg.Timeout}, nil
}

func (r *boltRunner) Run(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	res, err := neo4j.ExecuteQuery(ctx, r.driver, query, params,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(r.database))
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, len(res.Records))
	for i, rec := range res.Records {
		rows[i] = rec.AsMap()
	}
	return rows, nil
}

func (r *boltRunner) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}
