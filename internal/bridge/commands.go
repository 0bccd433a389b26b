package bridge

import (
	"context"

	"segmentd/internal/apperrors"
)

// Ping round-trips a no-op command through the queue.
func (b *Bridge) Ping(ctx context.Context) error {
	_, err := call[struct{}](ctx, b, PingCommand{})
	return err
}

// call submits cmd and decodes a successful reply into T.
func call[T any](ctx context.Context, b *Bridge, cmd Command) (*T, error) {
	resp, err := b.Submit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		reason := resp.Error
		if reason == "" {
			reason = "worker reported failure"
		}
		return nil, apperrors.CommandFailed(cmd.Kind(), reason)
	}

	var out T
	if err := resp.Decode(&out); err != nil {
		return nil, apperrors.Internal("bridge."+cmd.Kind(), err)
	}
	return &out, nil
}
