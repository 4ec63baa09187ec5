package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"clickd/internal/action"
	logx "clickd/pkg/logx"
)

// The helper object Install primes into the page. Invoke goes through it
// so the click logic lives in one place and survives as long as the
// document does.
const helperName = "__clickdHelper"

// Capability implements action.Capability: probe, prime, click. Every
// call runs over its own short-lived session.
type Capability struct {
	cli *Client
}

var _ action.Capability = (*Capability)(nil)

func (c *Client) Capability() *Capability { return &Capability{cli: c} }

func (c *Capability) page(ctx context.Context, targetID string) (*pageInfo, TargetDef, error) {
	def, ok := c.cli.def(targetID)
	if !ok {
		return nil, TargetDef{}, fmt.Errorf("browser: unknown target %s", targetID)
	}
	page, err := c.cli.findPage(ctx, def)
	if err != nil {
		return nil, TargetDef{}, err
	}
	if page == nil {
		return nil, TargetDef{}, fmt.Errorf("browser: target %s: no matching page", targetID)
	}
	return page, def, nil
}

// IsReady reports whether the page can take a click right now: document
// parsed, helper primed, control present. Benign unreadiness comes back
// as (false, nil); errors mean the probe itself could not run.
func (c *Capability) IsReady(ctx context.Context, targetID string) (bool, error) {
	page, def, err := c.page(ctx, targetID)
	if err != nil {
		return false, err
	}

	expr := fmt.Sprintf(`(function() {
	if (document.readyState === 'loading') return 'loading';
	if (!window.%s || typeof window.%s.fire !== 'function') return 'no-helper';
	if (!document.querySelector(%s)) return 'no-control';
	return 'ready';
})()`, helperName, helperName, jsString(c.cli.selectorFor(def)))

	raw, err := c.cli.eval(ctx, page, expr, false)
	if err != nil {
		return false, err
	}
	var state string
	if err := json.Unmarshal(raw, &state); err != nil {
		return false, fmt.Errorf("browser: readiness probe returned %s", raw)
	}
	if state != "ready" {
		c.cli.log.Debug("capability not ready",
			logx.String("target", targetID), logx.String("state", state))
		return false, nil
	}
	return true, nil
}

// Install primes the click helper into the page. The control may still
// be absent afterwards; IsReady decides that separately.
func (c *Capability) Install(ctx context.Context, targetID string) error {
	page, def, err := c.page(ctx, targetID)
	if err != nil {
		return err
	}

	expr := fmt.Sprintf(`(function() {
	window.%s = {
		selector: %s,
		fire: function() {
			var el = document.querySelector(this.selector);
			if (!el) return { success: false, details: 'control not found' };
			el.click();
			return { success: true, details: 'clicked' };
		}
	};
	return 'installed';
})()`, helperName, jsString(c.cli.selectorFor(def)))

	raw, err := c.cli.eval(ctx, page, expr, false)
	if err != nil {
		return err
	}
	var state string
	if err := json.Unmarshal(raw, &state); err != nil || state != "installed" {
		return fmt.Errorf("browser: install returned %s", raw)
	}
	c.cli.log.Debug("capability installed",
		logx.String("target", targetID), logx.String("url", page.URL))
	return nil
}

// Invoke fires the primed helper and interprets its closed result shape.
func (c *Capability) Invoke(ctx context.Context, targetID string) (action.Result, error) {
	page, _, err := c.page(ctx, targetID)
	if err != nil {
		return action.Result{}, err
	}

	expr := fmt.Sprintf(`(function() {
	var h = window.%s;
	if (!h || typeof h.fire !== 'function') return { success: false, details: 'helper not installed' };
	try {
		return h.fire();
	} catch (e) {
		return { success: false, details: 'fire threw: ' + e };
	}
})()`, helperName)

	raw, err := c.cli.eval(ctx, page, expr, false)
	if err != nil {
		return action.Result{}, err
	}
	var res action.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return action.Result{}, fmt.Errorf("browser: malformed invoke result %s", raw)
	}
	return res, nil
}

// jsString renders s as a double-quoted JS string literal. JSON string
// escaping is a subset of JS, so this is safe for selector injection.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
