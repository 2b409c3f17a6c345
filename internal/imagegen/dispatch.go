package imagegen

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/prompt-batch/internal/retry"
	"github.com/ChuLiYu/prompt-batch/pkg/types"
)

// Generator is the remote operation a batch item is dispatched to.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts types.GenerateOptions) (*types.GenerateResponse, error)
}

// StatusError reports a generation call that returned without artifacts.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("generation failed (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("generation failed: %s (status %d)", e.Message, e.StatusCode)
}

// Dispatcher turns one work item into one generation call, retrying
// transport failures under policy.
type Dispatcher struct {
	gen     Generator
	options types.GenerateOptions
	policy  retry.Policy
}

// NewDispatcher binds the run options and retry policy.
func NewDispatcher(gen Generator, options types.GenerateOptions, policy retry.Policy) *Dispatcher {
	return &Dispatcher{gen: gen, options: options.WithDefaults(), policy: policy}
}

// Dispatch generates the item's prompt. An unsuccessful response or one
// without any reference fails the item with a *StatusError.
func (d *Dispatcher) Dispatch(ctx context.Context, item types.WorkItem) (*types.Artifact, error) {
	resp, err := retry.Fetch(ctx, d.policy, func(ctx context.Context) (*types.GenerateResponse, error) {
		return d.gen.Generate(ctx, item.Prompt, d.options)
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &StatusError{Message: "empty response"}
	}
	if !resp.OK() {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: resp.Error}
	}

	prompt := resp.Prompt
	if prompt == "" {
		prompt = item.Prompt
	}
	return &types.Artifact{
		Reference:  resp.ImageURLs[0],
		References: append([]string(nil), resp.ImageURLs...),
		Prompt:     prompt,
	}, nil
}
