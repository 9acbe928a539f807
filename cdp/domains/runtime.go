package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpr "github.com/chromedp/cdproto/runtime"
)

// Runtime exposes the CDP Runtime domain actions.
type Runtime interface {
	Enable(context.Context) error
	// Evaluate runs expression in the page, awaiting a returned promise, and
	// returns the result by value. A script exception is reported through
	// the exception details, not the error.
	Evaluate(ctx context.Context, expression string) (*cdpr.RemoteObject, *cdpr.ExceptionDetails, error)
}

var _ Runtime = &runtime{}

type runtime struct {
	exec cdp.Executor
}

// NewRuntime returns a new CDP Runtime domain wrapper.
func NewRuntime(exec cdp.Executor) Runtime {
	return &runtime{exec}
}

func (r *runtime) Enable(ctx context.Context) error {
	action := cdpr.Enable()
	if err := action.Do(cdp.WithExecutor(ctx, r.exec)); err != nil {
		return fmt.Errorf("enabling runtime CDP domain: %w", err)
	}

	return nil
}

func (r *runtime) Evaluate(
	ctx context.Context, expression string,
) (*cdpr.RemoteObject, *cdpr.ExceptionDetails, error) {
	action := cdpr.Evaluate(expression).
		WithReturnByValue(true).
		WithAwaitPromise(true)

	result, exceptionDetails, err := action.Do(cdp.WithExecutor(ctx, r.exec))
	if err != nil {
		return nil, nil, fmt.Errorf("evaluating script: %w", err)
	}

	return result, exceptionDetails, nil
}
