package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/khan/jib/pkg/wire"
)

// slackAPI is the subset of the Slack client the proxy uses; scripted in
// tests.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channel string, opts ...slack.MsgOption) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
}

// ChatProxy serves /chat/... over the Slack Web API. Sends pace at one
// message per second per channel with per-thread submission order.
type ChatProxy struct {
	api    slackAPI
	pacer  *pacer
	reqlog *RequestLog
	retry  RetryPolicy
}

// NewChatProxy wires the chat surface with the bot token.
func NewChatProxy(api slackAPI, reqlog *RequestLog) *ChatProxy {
	return &ChatProxy{api: api, pacer: newPacer(), reqlog: reqlog, retry: DefaultRetry}
}

// RegisterRoutes mounts the chat endpoints.
func (p *ChatProxy) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /chat/post", p.handlePost)
	mux.HandleFunc("POST /chat/react", p.handleReact)
	mux.HandleFunc("GET /chat/thread/{channel}/{ts}", p.handleThread)
	mux.HandleFunc("GET /chat/channels", p.handleChannels)
	mux.HandleFunc("GET /chat/users/{id}", p.handleUser)
}

// Post sends a message through pacing and retry. Host-side services (the
// bridge) share this path with the HTTP surface so ordering is global.
func (p *ChatProxy) Post(ctx context.Context, channel, threadTS, text string) (string, error) {
	var ts string
	var sendErr error
	err := p.pacer.enqueue(ctx, channel, func() {
		sendErr = RetryDo(ctx, p.retry, "chat.post", func() error {
			opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
			if threadTS != "" {
				opts = append(opts, slack.MsgOptionTS(threadTS))
			}
			var err error
			_, ts, err = p.api.PostMessageContext(ctx, channel, opts...)
			return classifySlackErr(err)
		})
	})
	if err != nil {
		return "", err
	}
	if sendErr != nil {
		return "", sendErr
	}
	return ts, nil
}

func (p *ChatProxy) handlePost(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req wire.ChatPostRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Channel == "" || req.Text == "" {
		writeError(w, r, wire.ErrNotAllowed, "channel and text are required")
		return
	}

	ts, err := p.Post(r.Context(), req.Channel, req.ThreadTS, req.Text)
	if err != nil {
		p.reqlog.Record(LogEntry{
			RequestID: requestID(r), Op: "chat.post", Detail: req.Channel,
			Outcome: "failed", ErrorKind: kindOf(err),
			Duration: time.Since(started).Milliseconds(),
		})
		writeError(w, r, kindOf(err), err.Error())
		return
	}
	p.reqlog.Record(LogEntry{
		RequestID: requestID(r), Op: "chat.post", Detail: req.Channel, Outcome: "ok",
		Duration: time.Since(started).Milliseconds(),
	})
	writeJSON(w, wire.ChatPostResponse{Channel: req.Channel, TS: ts})
}

func (p *ChatProxy) handleReact(w http.ResponseWriter, r *http.Request) {
	var req wire.ChatReactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var sendErr error
	err := p.pacer.enqueue(r.Context(), req.Channel, func() {
		sendErr = RetryDo(r.Context(), p.retry, "chat.react", func() error {
			return classifySlackErr(p.api.AddReactionContext(r.Context(), req.Emoji,
				slack.NewRefToMessage(req.Channel, req.TS)))
		})
	})
	if err == nil {
		err = sendErr
	}
	if err != nil {
		writeError(w, r, kindOf(err), err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (p *ChatProxy) handleThread(w http.ResponseWriter, r *http.Request) {
	msgs, _, _, err := p.api.GetConversationRepliesContext(r.Context(), &slack.GetConversationRepliesParameters{
		ChannelID: r.PathValue("channel"),
		Timestamp: r.PathValue("ts"),
		Limit:     200,
	})
	if err != nil {
		writeError(w, r, kindOf(classifySlackErr(err)), err.Error())
		return
	}
	out := make([]wire.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wire.ChatMessage{
			User: m.User, Text: m.Text, TS: m.Timestamp,
			ThreadTS: m.ThreadTimestamp, BotID: m.BotID,
		})
	}
	writeJSON(w, out)
}

func (p *ChatProxy) handleChannels(w http.ResponseWriter, r *http.Request) {
	var out []wire.ChatChannel
	cursor := ""
	for {
		chans, next, err := p.api.GetConversationsContext(r.Context(), &slack.GetConversationsParameters{
			Cursor:          cursor,
			Limit:           200,
			ExcludeArchived: true,
			Types:           []string{"public_channel", "private_channel", "im"},
		})
		if err != nil {
			writeError(w, r, kindOf(classifySlackErr(err)), err.Error())
			return
		}
		for _, c := range chans {
			out = append(out, wire.ChatChannel{
				ID: c.ID, Name: c.Name, IsPrivate: c.IsPrivate, IsMember: c.IsMember,
			})
		}
		if next == "" {
			break
		}
		cursor = next
	}
	writeJSON(w, out)
}

func (p *ChatProxy) handleUser(w http.ResponseWriter, r *http.Request) {
	u, err := p.api.GetUserInfoContext(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, kindOf(classifySlackErr(err)), err.Error())
		return
	}
	writeJSON(w, wire.ChatUser{
		ID: u.ID, Name: u.Name, RealName: u.Profile.RealName, IsBot: u.IsBot,
	})
}

// classifySlackErr wraps a Slack API error with a retryability kind.
// Rate limits and 5xx-ish failures retry; everything else is permanent.
func classifySlackErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*slack.RateLimitedError); ok {
		return &wire.Error{Kind: wire.ErrUpstream5xx, Message: err.Error()}
	}
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{"internal_error", "service_unavailable", "timeout", "connection"} {
		if strings.Contains(msg, transient) {
			return &wire.Error{Kind: wire.ErrUpstream5xx, Message: err.Error()}
		}
	}
	return &wire.Error{Kind: wire.ErrUpstream4xx, Message: err.Error()}
}

func kindOf(err error) string {
	if we, ok := err.(*wire.Error); ok {
		return we.Kind
	}
	return wire.ErrInternal
}
