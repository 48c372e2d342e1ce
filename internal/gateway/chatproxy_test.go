package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/slack-go/slack"

	"github.com/khan/jib/pkg/wire"
)

// fakeSlack scripts the Slack API subset the proxy uses.
type fakeSlack struct {
	posts    []string
	channels [][]slack.Channel // one page per call
	page     int
	listErr  error
}

func (f *fakeSlack) PostMessageContext(ctx context.Context, channel string, opts ...slack.MsgOption) (string, string, error) {
	f.posts = append(f.posts, channel)
	return channel, fmt.Sprintf("1700000000.%06d", len(f.posts)), nil
}

func (f *fakeSlack) AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error {
	return nil
}

func (f *fakeSlack) GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	return nil, false, "", nil
}

func (f *fakeSlack) GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	if f.listErr != nil {
		return nil, "", f.listErr
	}
	if f.page >= len(f.channels) {
		return nil, "", nil
	}
	page := f.channels[f.page]
	f.page++
	cursor := ""
	if f.page < len(f.channels) {
		cursor = fmt.Sprintf("cursor-%d", f.page)
	}
	return page, cursor, nil
}

func (f *fakeSlack) GetUserInfoContext(ctx context.Context, user string) (*slack.User, error) {
	return &slack.User{ID: user, Name: "someone"}, nil
}

func testChatProxy(t *testing.T, api slackAPI) *ChatProxy {
	t.Helper()
	reqlog, err := OpenRequestLog(filepath.Join(t.TempDir(), "requests.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reqlog.Close() })
	return NewChatProxy(api, reqlog)
}

func namedChannel(id, name string, private bool) slack.Channel {
	var c slack.Channel
	c.ID = id
	c.Name = name
	c.IsPrivate = private
	c.IsMember = true
	return c
}

// TestHandleChannels_PagesThroughCursor verifies the channel listing walks
// every page and flattens the result.
func TestHandleChannels_PagesThroughCursor(t *testing.T) {
	api := &fakeSlack{channels: [][]slack.Channel{
		{namedChannel("C1", "general", false), namedChannel("C2", "eng", false)},
		{namedChannel("G1", "private-ops", true)},
	}}
	p := testChatProxy(t, api)

	r := httptest.NewRequest(http.MethodGet, "/chat/channels", nil)
	w := httptest.NewRecorder()
	p.handleChannels(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	var got []wire.ChatChannel
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("channels = %d (%v), want 3 across 2 pages", len(got), got)
	}
	if got[2].ID != "G1" || !got[2].IsPrivate {
		t.Errorf("last channel = %+v, want private G1", got[2])
	}
}

// TestHandleChannels_UpstreamError verifies Slack failures surface as a
// wire error envelope.
func TestHandleChannels_UpstreamError(t *testing.T) {
	api := &fakeSlack{listErr: fmt.Errorf("invalid_auth")}
	p := testChatProxy(t, api)

	r := httptest.NewRequest(http.MethodGet, "/chat/channels", nil)
	w := httptest.NewRecorder()
	p.handleChannels(w, r)

	if w.Code < 400 {
		t.Fatalf("status = %d, want error", w.Code)
	}
	we := decodeWireErr(t, w)
	if we.Kind != wire.ErrUpstream4xx {
		t.Errorf("kind = %s, want upstream_4xx", we.Kind)
	}
}

// TestPost_ThreadsReply verifies a thread ts rides along and the assigned
// ts comes back.
func TestPost_ThreadsReply(t *testing.T) {
	api := &fakeSlack{}
	p := testChatProxy(t, api)

	ts, err := p.Post(context.Background(), "D-bot", "1700000000.000001", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if ts == "" {
		t.Error("empty ts returned")
	}
	if len(api.posts) != 1 || api.posts[0] != "D-bot" {
		t.Errorf("posts = %v", api.posts)
	}
}
