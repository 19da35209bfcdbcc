package database

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

// Module provides the gorm handle and the snowflake id generator.
var Module = fx.Module("database",
	fx.Provide(
		Open,
		newSnowflakeNode,
	),
)
