package os

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// configAPIImpl implements ConfigAPI over the descriptor's configuration
// blob. The blob is copied once and never mutated.
type configAPIImpl struct {
	ctx    *ServiceContext
	config map[string]any
}

func newConfigAPI(ctx *ServiceContext, config map[string]any) *configAPIImpl {
	copied := make(map[string]any, len(config))
	for k, v := range config {
		copied[k] = v
	}
	return &configAPIImpl{
		ctx:    ctx,
		config: copied,
	}
}

func (c *configAPIImpl) Get(ctx context.Context, key string) (any, error) {
	if err := c.ctx.RequireCapability(CapConfig); err != nil {
		return nil, err
	}
	return c.config[key], nil
}

func (c *configAPIImpl) GetString(ctx context.Context, key string) (string, error) {
	val, err := c.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	if s, ok := val.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", val), nil
}

func (c *configAPIImpl) GetInt(ctx context.Context, key string) (int, error) {
	val, err := c.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, nil
	}
	switch v := val.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, NewOSError(ErrCodeTypeError, "value is not an integer")
	}
}

func (c *configAPIImpl) GetBool(ctx context.Context, key string) (bool, error) {
	val, err := c.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if val == nil {
		return false, nil
	}
	if b, ok := val.(bool); ok {
		return b, nil
	}
	return false, NewOSError(ErrCodeTypeError, "value is not a boolean")
}

func (c *configAPIImpl) GetDuration(ctx context.Context, key string) (time.Duration, error) {
	val, err := c.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, nil
	}
	switch v := val.(type) {
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v) * time.Millisecond, nil
	case string:
		return time.ParseDuration(v)
	default:
		return 0, NewOSError(ErrCodeTypeError, "value is not a duration")
	}
}

func (c *configAPIImpl) All(ctx context.Context) (map[string]any, error) {
	if err := c.ctx.RequireCapability(CapConfig); err != nil {
		return nil, err
	}
	result := make(map[string]any, len(c.config))
	for k, v := range c.config {
		result[k] = v
	}
	return result, nil
}

func (c *configAPIImpl) Decode(ctx context.Context, v any) error {
	all, err := c.All(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("encode service config: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode service config: %w", err)
	}
	return nil
}
