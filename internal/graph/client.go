// Package graph is a thin Bolt client used to maintain the supporter graph.
package graph

import (
	"context"
	"errors"
)

// Client runs cypher against the graph database.
type Client interface {
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) (Result, error)
	ExecuteRead(ctx context.Context, cypher string, params map[string]any) (Result, error)
	VerifyConnectivity(ctx context.Context) error
	Close(ctx context.Context) error
}

// Result holds every record a statement returned.
type Result struct {
	Records []Record
}

// Record maps column names to values.
type Record map[string]any

type Options struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

var ErrMissingURI = errors.New("graph URI is required")
