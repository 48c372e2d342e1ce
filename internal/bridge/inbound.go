package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/khan/jib/internal/registry"
)

// Inbound listens on Slack Socket Mode, classifies messages, drops
// accepted tasks into the shared filesystem, and keeps the registry
// current. A reply to a closed record reopens it.
type Inbound struct {
	classifier   *Classifier
	poster       Poster
	reg          registry.Store
	incomingDir  string
	responsesDir string

	// OnEvent, when set, is called after an event is fully recorded.
	// The dispatcher hangs off this hook.
	OnEvent func(ctx context.Context, ev InboundEvent)
}

// NewInbound wires the inbound listener.
func NewInbound(classifier *Classifier, poster Poster, reg registry.Store, incomingDir, responsesDir string) *Inbound {
	return &Inbound{
		classifier:   classifier,
		poster:       poster,
		reg:          reg,
		incomingDir:  incomingDir,
		responsesDir: responsesDir,
	}
}

// Run connects Socket Mode and processes events until ctx is cancelled.
func (in *Inbound) Run(ctx context.Context, botToken, appToken string) error {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	sm := socketmode.New(api)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sm.Events:
				if !ok {
					return
				}
				switch evt.Type {
				case socketmode.EventTypeConnected:
					slog.Info("slack socket connected")
				case socketmode.EventTypeEventsAPI:
					payload, ok := evt.Data.(slackevents.EventsAPIEvent)
					if !ok {
						continue
					}
					sm.Ack(*evt.Request)
					in.dispatchAPIEvent(ctx, payload)
				}
			}
		}
	}()

	return sm.RunContext(ctx)
}

func (in *Inbound) dispatchAPIEvent(ctx context.Context, payload slackevents.EventsAPIEvent) {
	inner, ok := payload.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || inner.SubType != "" {
		return
	}
	in.Handle(ctx, Message{
		User:        inner.User,
		Channel:     inner.Channel,
		ChannelType: inner.ChannelType,
		Text:        inner.Text,
		TS:          inner.TimeStamp,
		ThreadTS:    inner.ThreadTimeStamp,
		BotID:       inner.BotID,
	})
}

// Handle classifies one message and, when accepted, records it. Split
// from the socket loop so tests drive it directly.
func (in *Inbound) Handle(ctx context.Context, m Message) {
	ev, ok := in.classifier.Classify(m)
	if !ok {
		return
	}
	if err := in.record(ctx, ev); err != nil {
		slog.Error("inbound event handling failed", "kind", ev.Kind, "ts", ev.TS, "error", err)
		return
	}
	if in.OnEvent != nil {
		in.OnEvent(ctx, ev)
	}
}

func (in *Inbound) record(ctx context.Context, ev InboundEvent) error {
	// Registry first: one record per thread key, reopened when closed.
	contextID := registry.ThreadContextID(ev.ThreadKey())
	labels := []string{"chat", "dm"}
	if ev.Kind == KindSelfDMTask {
		labels = append(labels, "dm-self")
	}
	rec, err := in.reg.GetOrCreate(ctx, contextID, title(ev.Text), labels)
	if err != nil {
		return err
	}
	if rec.Status == registry.StatusClosed || rec.Status == registry.StatusCancelled {
		if err := in.reg.SetStatus(ctx, contextID, registry.StatusInProgress); err != nil {
			return err
		}
	} else if rec.Status == registry.StatusOpen {
		in.reg.SetStatus(ctx, contextID, registry.StatusInProgress)
	}
	in.reg.AppendNote(ctx, contextID, fmt.Sprintf("%s from %s: %s", ev.Kind, ev.User, title(ev.Text)))

	// Then the shared filesystem drop for the sandbox side.
	var path string
	switch ev.Kind {
	case KindThreadReply:
		path = filepath.Join(in.responsesDir, "RESPONSE-"+ev.ThreadKey()+".md")
	default:
		path = filepath.Join(in.incomingDir, "task-"+ev.TS+".md")
	}
	content := fmt.Sprintf("---\nkind: %s\nuser: %s\nthread_ts: %s\ncontext_id: %s\n---\n\n%s\n",
		ev.Kind, ev.User, ev.ThreadKey(), contextID, ev.Text)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return err
	}

	// Ack in-thread so the human sees the pickup and where it landed.
	if _, err := in.poster.Post(ctx, ev.Channel, ev.ThreadKey(), ackText(ev.Kind, filepath.Base(path))); err != nil {
		slog.Warn("ack send failed", "ts", ev.TS, "error", err)
	}
	slog.Info("inbound event recorded", "kind", ev.Kind, "context_id", contextID)
	return nil
}

func ackText(kind EventKind, filename string) string {
	if kind == KindThreadReply {
		return "Got it, picking this up."
	}
	return "✅ Task received and queued for Claude\n📁 Saved to: " + filename
}

// title trims a message to a registry title, on rune boundaries so a
// wide character never gets split.
func title(text string) string {
	const max = 80
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-3]) + "..."
}
