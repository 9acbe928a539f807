package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"
)

// TargetInfo describes an open target.
type TargetInfo struct {
	ID    string
	Type  string
	Title string
	URL   string
}

// Target exposes the CDP Target domain actions.
type Target interface {
	GetTargets(ctx context.Context) ([]TargetInfo, error)
}

var _ Target = &target{}

type target struct {
	exec cdp.Executor
}

// NewTarget returns a new CDP Target domain wrapper.
func NewTarget(exec cdp.Executor) Target {
	return &target{exec}
}

func (t *target) GetTargets(ctx context.Context) ([]TargetInfo, error) {
	action := cdpt.GetTargets()
	infos, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}

	targets := make([]TargetInfo, 0, len(infos))
	for _, ti := range infos {
		targets = append(targets, TargetInfo{
			ID:    ti.TargetID.String(),
			Type:  ti.Type,
			Title: ti.Title,
			URL:   ti.URL,
		})
	}
	return targets, nil
}
