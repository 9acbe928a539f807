package domains

import (
	"context"
	"fmt"

	cdpb "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
)

// Version describes the browser build.
type Version struct {
	ProtocolVersion string
	Product         string
	Revision        string
	UserAgent       string
	JSVersion       string
}

// Browser exposes the CDP Browser domain actions.
type Browser interface {
	Close(ctx context.Context) error
	GetVersion(ctx context.Context) (Version, error)
}

var _ Browser = &browser{}

type browser struct {
	exec cdp.Executor
}

// NewBrowser returns a new CDP Browser domain wrapper.
func NewBrowser(exec cdp.Executor) Browser {
	return &browser{exec}
}

func (b *browser) Close(ctx context.Context) error {
	action := cdpb.Close()
	if err := action.Do(cdp.WithExecutor(ctx, b.exec)); err != nil {
		return fmt.Errorf("closing the browser: %w", err)
	}
	return nil
}

func (b *browser) GetVersion(ctx context.Context) (Version, error) {
	action := cdpb.GetVersion()
	protocolVersion, product, revision, userAgent, jsVersion, err := action.Do(cdp.WithExecutor(ctx, b.exec))
	if err != nil {
		return Version{}, fmt.Errorf("getting the browser version: %w", err)
	}
	return Version{
		ProtocolVersion: protocolVersion,
		Product:         product,
		Revision:        revision,
		UserAgent:       userAgent,
		JSVersion:       jsVersion,
	}, nil
}
