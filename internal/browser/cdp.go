package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"clickd/internal/action"
)

// CDP responses can carry full serialized objects.
const cdpReadLimit = 1 << 20

type cdpRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type cdpMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"` // set on events only
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *cdpError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// session is one short-lived protocol connection to a page. Sessions are
// not shared between goroutines.
type session struct {
	conn   *websocket.Conn
	nextID int64
}

// dialPage opens a session to the page's debugger endpoint. A 403/401 on
// the upgrade means the browser refused protocol access and maps to the
// permission class.
func (c *Client) dialPage(ctx context.Context, page *pageInfo) (*session, error) {
	if strings.TrimSpace(page.WebSocketDebuggerURL) == "" {
		return nil, fmt.Errorf("browser: page %s has no debugger url", page.ID)
	}

	dctx, cancel := context.WithTimeout(ctx, c.config().ConnectTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dctx, page.WebSocketDebuggerURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized) {
			return nil, action.Permission("browser attach", fmt.Errorf("http %d", resp.StatusCode))
		}
		return nil, fmt.Errorf("browser: attach %s: %w", page.ID, err)
	}
	conn.SetReadLimit(cdpReadLimit)
	return &session{conn: conn}, nil
}

func (s *session) close() {
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
}

// call performs one protocol request and waits for its response,
// discarding interleaved events.
func (s *session) call(ctx context.Context, method string, params any, out any) error {
	s.nextID++
	id := s.nextID

	if err := wsjson.Write(ctx, s.conn, cdpRequest{ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("browser: %s write: %w", method, err)
	}

	for {
		var msg cdpMessage
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			return fmt.Errorf("browser: %s read: %w", method, err)
		}
		if msg.Method != "" || msg.ID != id {
			// event or stale response
			continue
		}
		if msg.Error != nil {
			if isDeniedMessage(msg.Error.Message) {
				return action.Permission("browser "+method, msg.Error)
			}
			return fmt.Errorf("browser: %s: %w", method, msg.Error)
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("browser: %s decode result: %w", method, err)
			}
		}
		return nil
	}
}

func isDeniedMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "denied") || strings.Contains(m, "not allowed")
}

// isCrashedErr reports whether the protocol told us the renderer is dead
// rather than merely busy.
func isCrashedErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "crashed")
}

type evalOutcome struct {
	Result struct {
		Type        string          `json:"type"`
		Subtype     string          `json:"subtype,omitempty"`
		Value       json.RawMessage `json:"value,omitempty"`
		Description string          `json:"description,omitempty"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception *struct {
			Description string `json:"description"`
		} `json:"exception,omitempty"`
	} `json:"exceptionDetails,omitempty"`
}

// eval runs one Runtime.evaluate against the page over a fresh session
// and returns the serialized result value.
func (c *Client) eval(ctx context.Context, page *pageInfo, expr string, awaitPromise bool) (json.RawMessage, error) {
	sess, err := c.dialPage(ctx, page)
	if err != nil {
		return nil, err
	}
	defer sess.close()

	ectx, cancel := context.WithTimeout(ctx, c.config().EvalTimeout)
	defer cancel()

	var out evalOutcome
	params := map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  awaitPromise,
	}
	if err := sess.call(ectx, "Runtime.evaluate", params, &out); err != nil {
		return nil, err
	}
	if ed := out.ExceptionDetails; ed != nil {
		desc := ed.Text
		if ed.Exception != nil && ed.Exception.Description != "" {
			desc = ed.Exception.Description
		}
		return nil, fmt.Errorf("browser: page exception: %s", desc)
	}
	return out.Result.Value, nil
}

// reloadPage issues Page.reload, bypassing the HTTP cache so a wedged
// page comes back fresh.
func (c *Client) reloadPage(ctx context.Context, page *pageInfo) error {
	sess, err := c.dialPage(ctx, page)
	if err != nil {
		return err
	}
	defer sess.close()

	ectx, cancel := context.WithTimeout(ctx, c.config().EvalTimeout)
	defer cancel()
	return sess.call(ectx, "Page.reload", map[string]any{"ignoreCache": true}, nil)
}
