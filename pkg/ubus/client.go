package ubus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Client calls ubus objects through the ubus CLI
type Client struct {
	runner Runner
}

func NewClient(runner Runner) *Client {
	if runner == nil {
		runner = LocalRunner{}
	}
	return &Client{runner: runner}
}

func (c *Client) Runner() Runner {
	return c.runner
}

// Call invokes object.method and decodes the JSON reply into out
func (c *Client) Call(ctx context.Context, object, method string, params interface{}, out interface{}) error {
	args := []string{"call", object, method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal ubus params: %w", err)
		}
		args = append(args, string(data))
	}

	raw, err := c.runner.Run(ctx, "ubus", args...)
	if err != nil {
		return fmt.Errorf("ubus call %s %s: %w", object, method, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse ubus %s %s reply: %w", object, method, err)
	}
	return nil
}

// Available reports whether the object is registered
func (c *Client) Available(ctx context.Context, object string) bool {
	_, err := c.runner.Run(ctx, "ubus", "list", object)
	return err == nil
}
