// Package hybrid renders pages statically and promotes script-driven pages
// to a headless browser.
package hybrid

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

// Renderer composes a static and an optional headless renderer.
type Renderer struct {
	static    harvest.Renderer
	headless  harvest.Renderer
	heuristic *Heuristic
	logger    *zap.Logger
}

// New builds a Renderer. A nil headless renderer disables promotion.
func New(static, headless harvest.Renderer, heuristic *Heuristic, logger *zap.Logger) *Renderer {
	if heuristic == nil {
		heuristic = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{static: static, headless: headless, heuristic: heuristic, logger: logger.Named("hybrid")}
}

// Render fetches url statically and re-renders it headless when the static
// DOM looks incomplete. A failed headless pass falls back to the static DOM
// unless that DOM is empty.
func (r *Renderer) Render(ctx context.Context, url string) (harvest.RenderedPage, error) {
	page, err := r.static.Render(ctx, url)
	if err != nil {
		if r.headless == nil {
			return harvest.RenderedPage{}, err
		}
		r.logger.Debug("static render failed, trying headless", zap.String("url", url), zap.Error(err))
		return r.headless.Render(ctx, url)
	}
	if r.headless == nil || !r.heuristic.ShouldPromote(page) {
		return page, nil
	}

	rendered, herr := r.headless.Render(ctx, url)
	if herr == nil {
		return rendered, nil
	}
	if len(page.HTML) == 0 {
		return harvest.RenderedPage{}, herr
	}
	r.logger.Warn("headless render failed, keeping static DOM", zap.String("url", url), zap.Error(herr))
	return page, nil
}
