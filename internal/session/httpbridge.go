package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPBridge reaches session actors over a small JSON-over-HTTP surface.
// Each Bridge call maps to one POST on the actor host:
//
//	POST {base}/chat.send             ChatSendRequest  -> ChatSendResult
//	POST {base}/tool.result           toolResultBody   -> {"accepted":bool}
//	POST {base}/async-exec.completion execBody         -> 204
//	POST {base}/op                    opBody           -> any
type HTTPBridge struct {
	base   string
	token  string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPBridge builds a bridge against an actor host base URL. The
// token, when non-empty, is sent as a bearer credential.
func NewHTTPBridge(base, token string, logger *slog.Logger) *HTTPBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPBridge{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: 2 * time.Minute},
		logger: logger.With("component", "session.bridge"),
	}
}

type toolResultBody struct {
	SessionKey string             `json:"sessionKey"`
	Delivery   ToolResultDelivery `json:"delivery"`
}

type execBody struct {
	SessionKey string              `json:"sessionKey"`
	Completion AsyncExecCompletion `json:"completion"`
}

type opBody struct {
	SessionKey string          `json:"sessionKey"`
	Op         string          `json:"op"`
	Params     json.RawMessage `json:"params,omitempty"`
}

func (b *HTTPBridge) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	res, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("session bridge %s: %w", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("session bridge %s: status %d: %s", path, res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (b *HTTPBridge) ChatSend(ctx context.Context, req ChatSendRequest) (ChatSendResult, error) {
	var out ChatSendResult
	if err := b.post(ctx, "/chat.send", req, &out); err != nil {
		return ChatSendResult{}, err
	}
	return out, nil
}

func (b *HTTPBridge) ToolResult(ctx context.Context, sessionKey string, delivery ToolResultDelivery) (bool, error) {
	var out struct {
		Accepted bool `json:"accepted"`
	}
	err := b.post(ctx, "/tool.result", toolResultBody{SessionKey: sessionKey, Delivery: delivery}, &out)
	if err != nil {
		return false, err
	}
	return out.Accepted, nil
}

func (b *HTTPBridge) IngestAsyncExecCompletion(ctx context.Context, sessionKey string, completion AsyncExecCompletion) error {
	return b.post(ctx, "/async-exec.completion", execBody{SessionKey: sessionKey, Completion: completion}, nil)
}

func (b *HTTPBridge) Do(ctx context.Context, sessionKey, op string, params json.RawMessage) (any, error) {
	var out any
	if err := b.post(ctx, "/op", opBody{SessionKey: sessionKey, Op: op, Params: params}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
