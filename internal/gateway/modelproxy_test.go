package gateway

import (
	"encoding/json"
	"testing"
)

func newStripProxy(t *testing.T) *ModelProxy {
	t.Helper()
	return &ModelProxy{private: true}
}

// TestStripWebTools verifies web_search and web_fetch are removed in any
// casing while other tools survive.
func TestStripWebTools(t *testing.T) {
	p := newStripProxy(t)
	body := []byte(`{
		"model": "m",
		"tools": [
			{"name": "web_search"},
			{"name": "Web_Fetch"},
			{"name": "WEB_SEARCH"},
			{"name": "bash"}
		],
		"messages": []
	}`)

	out := p.stripWebTools(body, "req-1")

	var req struct {
		Model string           `json:"model"`
		Tools []map[string]any `json:"tools"`
	}
	if err := json.Unmarshal(out, &req); err != nil {
		t.Fatalf("stripped body not JSON: %v", err)
	}
	if len(req.Tools) != 1 || req.Tools[0]["name"] != "bash" {
		t.Errorf("tools after strip = %v, want only bash", req.Tools)
	}
	if req.Model != "m" {
		t.Errorf("unrelated field lost: model = %q", req.Model)
	}
}

// TestStripWebTools_AllStripped verifies the tools key disappears when
// nothing survives, rather than sending an empty list.
func TestStripWebTools_AllStripped(t *testing.T) {
	p := newStripProxy(t)
	out := p.stripWebTools([]byte(`{"tools":[{"name":"web_fetch"}],"messages":[]}`), "req-2")

	var req map[string]json.RawMessage
	if err := json.Unmarshal(out, &req); err != nil {
		t.Fatal(err)
	}
	if _, ok := req["tools"]; ok {
		t.Error("empty tools list survived")
	}
}

// TestStripWebTools_NoTools verifies bodies without tools pass untouched.
func TestStripWebTools_NoTools(t *testing.T) {
	p := newStripProxy(t)
	body := []byte(`{"model":"m","messages":[]}`)
	if out := p.stripWebTools(body, "req-3"); string(out) != string(body) {
		t.Errorf("body changed without tools present: %s", out)
	}
}

// TestStripWebTools_MalformedBody verifies parse failures leave the body
// for upstream to reject.
func TestStripWebTools_MalformedBody(t *testing.T) {
	p := newStripProxy(t)
	body := []byte(`{"tools": not-json`)
	if out := p.stripWebTools(body, "req-4"); string(out) != string(body) {
		t.Error("malformed body was rewritten")
	}
}

// TestHeaderBlocklist verifies sandbox auth headers never travel upstream.
func TestHeaderBlocklist(t *testing.T) {
	for _, h := range []string{"Authorization", "x-api-key", "cookie", "HOST"} {
		if !headerBlocked(h) {
			t.Errorf("header %s not blocked", h)
		}
	}
	for _, h := range []string{"anthropic-version", "Content-Type", "Accept"} {
		if headerBlocked(h) {
			t.Errorf("header %s wrongly blocked", h)
		}
	}
}
