package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/tether/pkg/bridge"
)

const maxMessageLen = 4096

// MessageContext contains message metadata
type MessageContext struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	Text      string
	Timestamp time.Time
	IsGroup   bool
}

func newMessageContext(msg *tgbotapi.Message) MessageContext {
	mc := MessageContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
		IsGroup:   msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
	}
	if msg.From != nil {
		mc.UserID = msg.From.ID
		mc.Username = msg.From.UserName
	}
	return mc
}

// inbound maps a chat onto a bridge thread: one session per chat.
func (mc MessageContext) inbound() bridge.Inbound {
	return bridge.Inbound{
		Bridge: Name,
		Thread: strconv.FormatInt(mc.ChatID, 10),
		Text:   mc.Text,
		User:   mc.Username,
	}
}

func (c *conn) handleMessage(ctx context.Context, mc MessageContext) (string, error) {
	if strings.TrimSpace(mc.Text) == "" {
		return "", nil
	}
	c.bot.logger.Debug().
		Int64("chat_id", mc.ChatID).
		Int64("user_id", mc.UserID).
		Bool("is_group", mc.IsGroup).
		Msg("Message received")

	c.sendTyping(mc.ChatID)
	return c.bot.router.Dispatch(ctx, mc.inbound())
}

// splitMessage cuts text into pieces of at most limit bytes, preferring
// line breaks and never splitting a rune.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		parts = append(parts, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
