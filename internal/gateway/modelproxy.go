package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/khan/jib/pkg/wire"
)

// ModelProxy serves /v1/messages and /v1/messages/count_tokens as a
// credential-injecting passthrough. Request and response bodies travel
// untouched except for private-mode tool stripping; streamed responses
// flush chunk by chunk so the agent sees tokens as they arrive.
type ModelProxy struct {
	upstream string
	vault    *Vault
	private  bool
	reqlog   *RequestLog
	client   *http.Client
}

// NewModelProxy wires the model passthrough.
func NewModelProxy(upstream string, vault *Vault, privateMode bool, reqlog *RequestLog, timeout time.Duration) *ModelProxy {
	return &ModelProxy{
		upstream: strings.TrimSuffix(upstream, "/"),
		vault:    vault,
		private:  privateMode,
		reqlog:   reqlog,
		// No client timeout: streamed completions run long. Cancellation
		// comes from the request context.
		client: &http.Client{},
	}
}

// RegisterRoutes mounts the model endpoints.
func (p *ModelProxy) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/messages", p.handle("/v1/messages"))
	mux.HandleFunc("POST /v1/messages/count_tokens", p.handle("/v1/messages/count_tokens"))
}

// blockedHeaders never travel upstream: the sandbox must not influence
// authentication, and hop-by-hop headers are rebuilt per leg.
var blockedHeaders = []string{
	"Authorization", "X-Api-Key", "Cookie", "Host",
	"Proxy-Authorization", "Connection", "Keep-Alive", "Transfer-Encoding",
}

func (p *ModelProxy) handle(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		reqID := requestID(r)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, wire.ErrInternal, "read body: "+err.Error())
			return
		}
		if p.private {
			body = p.stripWebTools(body, reqID)
		}

		up, err := http.NewRequestWithContext(r.Context(), http.MethodPost, p.upstream+path, bytes.NewReader(body))
		if err != nil {
			writeError(w, r, wire.ErrInternal, err.Error())
			return
		}
		copyHeaders(up.Header, r.Header)
		up.Header.Set("Content-Type", "application/json")

		p.vault.Refresh()
		s := p.vault.Secrets()
		// OAuth wins when both credentials exist.
		if s.AnthropicOAuthToken != "" {
			up.Header.Set("Authorization", "Bearer "+s.AnthropicOAuthToken)
			up.Header.Set("anthropic-beta", "oauth-2025-04-20")
		} else {
			up.Header.Set("x-api-key", s.AnthropicAPIKey)
		}
		if up.Header.Get("anthropic-version") == "" {
			up.Header.Set("anthropic-version", "2023-06-01")
		}

		resp, err := p.client.Do(up)
		if err != nil {
			if r.Context().Err() != nil {
				writeError(w, r, wire.ErrTimeout, err.Error())
			} else {
				writeError(w, r, wire.ErrUpstream5xx, err.Error())
			}
			return
		}
		defer resp.Body.Close()

		// Upstream status, headers, and body pass through verbatim. The
		// request-id header is what support requests quote.
		for _, h := range []string{"Content-Type", "Request-Id", "Anthropic-Ratelimit-Requests-Remaining", "Retry-After"} {
			if v := resp.Header.Get(h); v != "" {
				w.Header().Set(h, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		p.stream(w, resp.Body)

		outcome := "ok"
		if resp.StatusCode >= 400 {
			outcome = "failed"
		}
		p.reqlog.Record(LogEntry{
			RequestID: reqID, Op: "model" + path, Outcome: outcome,
			Detail:   resp.Status,
			Duration: time.Since(started).Milliseconds(),
		})
	}
}

// stream copies the upstream body to the client, flushing after every
// read so SSE events are never buffered.
func (p *ModelProxy) stream(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if headerBlocked(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func headerBlocked(key string) bool {
	for _, b := range blockedHeaders {
		if strings.EqualFold(key, b) {
			return true
		}
	}
	return false
}

// stripWebTools removes tools named web_search or web_fetch (any casing)
// from a messages request. Parse failures leave the body untouched; the
// upstream will reject malformed JSON itself.
func (p *ModelProxy) stripWebTools(body []byte, reqID string) []byte {
	var req map[string]json.RawMessage
	if err := json.Unmarshal(body, &req); err != nil {
		return body
	}
	rawTools, ok := req["tools"]
	if !ok {
		return body
	}
	var tools []map[string]any
	if err := json.Unmarshal(rawTools, &tools); err != nil {
		return body
	}

	kept := tools[:0]
	var stripped []string
	for _, t := range tools {
		name, _ := t["name"].(string)
		switch strings.ToLower(name) {
		case "web_search", "web_fetch":
			stripped = append(stripped, name)
		default:
			kept = append(kept, t)
		}
	}
	if len(stripped) == 0 {
		return body
	}

	slog.Warn("security.tool_stripped", "tools", stripped, "request_id", reqID)
	p.reqlog.Record(LogEntry{
		RequestID: reqID, Op: "model.tool_strip",
		Detail: strings.Join(stripped, ","), Outcome: "ok",
	})

	if len(kept) == 0 {
		delete(req, "tools")
	} else {
		req["tools"], _ = json.Marshal(kept)
	}
	out, err := json.Marshal(req)
	if err != nil {
		return body
	}
	return out
}
