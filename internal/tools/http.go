package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/calydon/orchid/pkg/schema"
)

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

const httpInputSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"] },
    "headers": { "type": "object", "additionalProperties": { "type": "string" } },
    "body": {}
  }
}`

// HTTPTool is the builtin "http.request" tool. The step deadline arrives via
// the context; the tool itself sets no timeout of its own.
type HTTPTool struct {
	client  *http.Client
	maxBody int64
}

// NewHTTPTool creates the builtin HTTP tool. A nil client uses
// http.DefaultClient.
func NewHTTPTool(client *http.Client) *HTTPTool {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTool{client: client, maxBody: defaultMaxResponseBody}
}

func (t *HTTPTool) Name() string { return "http.request" }

func (t *HTTPTool) Descriptor() Descriptor {
	return Descriptor{
		Description: "Performs an HTTP request and returns status, headers, and decoded body.",
		InputSchema: json.RawMessage(httpInputSchema),
	}
}

func (t *HTTPTool) Invoke(ctx context.Context, call Call) (Record, error) {
	rawURL, _ := call.Input["url"].(string)
	method, _ := call.Input["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b, ok := call.Input["body"]; ok && b != nil {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal request body: %s", err.Error())
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %s", err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := call.Input["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	// Exposed so downstream services can deduplicate replayed invocations.
	req.Header.Set("Idempotency-Key", call.IdempotencyKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternalService, "http request: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternalService, "read response: %s", err.Error()).WithCause(err)
	}

	out := Record{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			out["body"] = decoded
		} else {
			out["body"] = string(data)
		}
	} else {
		out["body"] = string(data)
	}

	if resp.StatusCode >= 500 {
		return out, schema.NewErrorf(schema.ErrCodeExternalService,
			"upstream returned %d", resp.StatusCode).WithDetails(map[string]any{"url": rawURL})
	}
	if resp.StatusCode >= 400 {
		return out, schema.NewErrorf(schema.ErrCodeExecution,
			fmt.Sprintf("request rejected with %d", resp.StatusCode)).WithDetails(map[string]any{"url": rawURL})
	}
	return out, nil
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

var _ Tool = (*HTTPTool)(nil)
