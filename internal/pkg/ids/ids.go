// Package ids provides snowflake-based id generation for rows created on
// request paths (payments, ban reports, withdraw requests, ledger entries).
package ids

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator wraps a snowflake node.
type Generator struct {
	node *snowflake.Node
}

// NewGenerator creates a Generator for the given node id.
func NewGenerator(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	return &Generator{node: node}, nil
}

// Next returns a new unique id.
func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}
