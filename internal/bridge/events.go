// Package bridge is the bi-directional chat bridge: sandbox notifications
// go out to Slack threads, human replies come back in as tasks. The
// sandbox side only ever touches the shared filesystem.
package bridge

import (
	"strings"
)

// EventKind of an accepted inbound chat event. Self-DM tasks and bot-DM
// replies arrive on different channels and stay distinct kinds here; only
// later processing decides they get similar handling.
type EventKind string

const (
	KindSelfDMTask  EventKind = "self_dm_task"
	KindBotDMReply  EventKind = "bot_dm_reply"
	KindThreadReply EventKind = "thread_reply"
)

// InboundEvent is one accepted chat event.
type InboundEvent struct {
	Kind     EventKind
	User     string
	Channel  string
	ThreadTS string // root ts for thread replies, empty otherwise
	Text     string
	TS       string
}

// ThreadKey returns the registry thread key for this event: the root ts
// for threaded replies, the message's own ts for new DMs.
func (e InboundEvent) ThreadKey() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.TS
}

// Message is the subset of a Slack message the classifier needs.
type Message struct {
	User        string
	Channel     string
	ChannelType string // "im" for DMs
	Text        string
	TS          string
	ThreadTS    string
	BotID       string
}

// Classifier turns raw messages into accepted events. Everything not
// matching one of the three trusted shapes is dropped.
type Classifier struct {
	// SelfUserID is the workspace user whose self-DM carries tasks.
	SelfUserID string
	// SelfDMChannel is that user's DM-to-self conversation id. Messages
	// there and messages in the bot DM classify differently.
	SelfDMChannel string
	// BotUserID is our own bot identity; its messages never classify.
	BotUserID string
	// TaskPrefix marks a self-DM as a task, matched case-insensitively.
	TaskPrefix string
	// AllowedUsers, when non-empty, restricts senders by user id.
	AllowedUsers []string
	// BotThreads answers whether a thread root ts was authored by the bot.
	BotThreads func(channel, threadTS string) bool
}

// Classify returns the accepted event, or false for everything else.
func (c *Classifier) Classify(m Message) (InboundEvent, bool) {
	if m.User == "" || m.User == c.BotUserID || m.BotID != "" {
		return InboundEvent{}, false
	}
	if len(c.AllowedUsers) > 0 && !contains(c.AllowedUsers, m.User) {
		return InboundEvent{}, false
	}
	if m.ChannelType != "im" {
		return InboundEvent{}, false
	}

	// Threaded reply on a bot-authored notification root.
	if m.ThreadTS != "" && m.ThreadTS != m.TS {
		if c.BotThreads == nil || !c.BotThreads(m.Channel, m.ThreadTS) {
			return InboundEvent{}, false
		}
		return InboundEvent{
			Kind: KindThreadReply, User: m.User, Channel: m.Channel,
			ThreadTS: m.ThreadTS, Text: m.Text, TS: m.TS,
		}, true
	}

	// Self-DM task: the user messaging themselves with the prefix.
	if m.Channel == c.SelfDMChannel && m.User == c.SelfUserID {
		rest, ok := cutPrefixFold(strings.TrimSpace(m.Text), c.TaskPrefix)
		if !ok {
			return InboundEvent{}, false
		}
		return InboundEvent{
			Kind: KindSelfDMTask, User: m.User, Channel: m.Channel,
			Text: strings.TrimSpace(rest), TS: m.TS,
		}, true
	}
	if m.Channel == c.SelfDMChannel {
		return InboundEvent{}, false
	}

	// Bot-DM direct message: a new task keyed by its own ts. No prefix
	// needed; the channel itself is the bot conversation.
	return InboundEvent{
		Kind: KindBotDMReply, User: m.User, Channel: m.Channel,
		Text: strings.TrimSpace(m.Text), TS: m.TS,
	}, true
}

// cutPrefixFold is strings.CutPrefix with ASCII case folding.
func cutPrefixFold(s, prefix string) (string, bool) {
	if prefix == "" || len(s) < len(prefix) {
		return s, false
	}
	if !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
