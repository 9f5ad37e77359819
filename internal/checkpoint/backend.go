package checkpoint

import (
	"context"
	"fmt"
)

// BackendConfig selects where checkpoints are kept.
type BackendConfig struct {
	// Type is "local" (default) or "s3".
	Type          string `mapstructure:"backend" validate:"omitempty,oneof=local s3"`
	Bucket        string `mapstructure:"bucket" validate:"required_if=Type s3"`
	Prefix        string `mapstructure:"prefix"`
	Region        string `mapstructure:"region"`
	DynamoDBTable string `mapstructure:"dynamodb_table"`
	Encrypt       bool   `mapstructure:"encrypt"`
	Profile       string `mapstructure:"profile"`
}

// NewStore builds the store for one run type.
func NewStore(ctx context.Context, cfg BackendConfig, stateDir, runType string) (Store, error) {
	switch cfg.Type {
	case "local", "":
		return NewFileStore(stateDir, runType), nil
	case "s3":
		return newS3Backend(ctx, cfg, runType)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend type: %s", cfg.Type)
	}
}
