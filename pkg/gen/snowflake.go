package gen

import (
	"fmt"

	"taskcenter/pkg/config"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
)

var Module = fx.Module("gen",
	fx.Provide(
		ProvideSnowflakeNode,
		NewSnowflakeNode,
	),
)

func ProvideSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.Scheduler.NodeID)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", cfg.Scheduler.NodeID, err)
	}
	return node, nil
}

type SnowflakeNode struct {
	node *snowflake.Node
}

func NewSnowflakeNode(node *snowflake.Node) *SnowflakeNode {
	return &SnowflakeNode{node: node}
}

func (s *SnowflakeNode) GenerateID() snowflake.ID {
	return s.node.Generate()
}

// NextID returns a row primary key.
func (s *SnowflakeNode) NextID() int64 {
	return s.node.Generate().Int64()
}

// NewTrackID returns a random 128-bit token, unique across replicas without coordination.
func NewTrackID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
