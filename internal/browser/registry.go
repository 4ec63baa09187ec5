package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"clickd/internal/action"
	logx "clickd/pkg/logx"
)

// Registry implements action.Registry over the client: configured ids in,
// live page metadata out.
type Registry struct {
	cli *Client
}

var _ action.Registry = (*Registry)(nil)

func (c *Client) Registry() *Registry { return &Registry{cli: c} }

// Resolve maps a target id to the first matching live page. Unknown ids
// and ids with no matching page both resolve to (nil, nil).
func (r *Registry) Resolve(ctx context.Context, targetID string) (*action.TargetMeta, error) {
	def, ok := r.cli.def(targetID)
	if !ok {
		return nil, nil
	}
	page, err := r.cli.findPage(ctx, def)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, nil
	}

	meta := &action.TargetMeta{
		ID:     targetID,
		Title:  page.Title,
		URL:    page.URL,
		Kind:   "page",
		Paused: def.Paused,
	}
	r.cli.probeState(ctx, page, meta)
	return meta, nil
}

func (r *Registry) IsValid(meta *action.TargetMeta) bool {
	return meta != nil && meta.Kind == "page" && !meta.Crashed
}

// Reload issues a cache-bypassing page reload, the heavy remediation
// step for wedged or permission-broken pages.
func (r *Registry) Reload(ctx context.Context, targetID string) error {
	def, ok := r.cli.def(targetID)
	if !ok {
		return fmt.Errorf("browser: unknown target %s", targetID)
	}
	// Drop the cache so we reload the page that exists now, not one from
	// a stale list.
	r.cli.invalidate()
	page, err := r.cli.findPage(ctx, def)
	if err != nil {
		return err
	}
	if page == nil {
		return fmt.Errorf("browser: target %s: no matching page", targetID)
	}
	if err := r.cli.reloadPage(ctx, page); err != nil {
		return err
	}
	r.cli.log.Info("page reload issued",
		logx.String("target", targetID), logx.String("url", page.URL))
	return nil
}

// probeState fills Loading/Crashed with a best-effort readiness probe.
// Transport trouble leaves both flags unset; the capability probe will
// surface it on its own terms.
func (c *Client) probeState(ctx context.Context, page *pageInfo, meta *action.TargetMeta) {
	raw, err := c.eval(ctx, page, "document.readyState", false)
	if err != nil {
		if isCrashedErr(err) {
			meta.Crashed = true
		}
		return
	}
	var state string
	if err := json.Unmarshal(raw, &state); err != nil {
		return
	}
	meta.Loading = state == "loading"
}
