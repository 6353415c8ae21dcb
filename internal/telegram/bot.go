package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/tether/pkg/bridge"
	"github.com/rs/zerolog"
)

// Name is the bridge name used for threads, metrics and logs.
const Name = "telegram"

// Options configure a Bot.
type Options struct {
	Token string
	// Endpoint is a tgbotapi endpoint format; defaults to the public API.
	Endpoint string
	// PollTimeout is the long-poll wait in seconds.
	PollTimeout int
	// AllowedChats restricts which chats may talk to sessions. Empty
	// allows all.
	AllowedChats []int64
	Router       *bridge.Router
	Logger       zerolog.Logger
}

// Bot connects a Telegram bot to sessions. It implements
// bridge.Connector; the adapter owns reconnects and the HTTP pool.
type Bot struct {
	token       string
	endpoint    string
	pollTimeout int
	allowed     map[int64]bool
	router      *bridge.Router
	commands    *Commands
	logger      zerolog.Logger

	handlers sync.WaitGroup
}

// New validates opts; no network call is made until Connect.
func New(opts Options) (*Bot, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = tgbotapi.APIEndpoint
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30
	}

	b := &Bot{
		token:       opts.Token,
		endpoint:    opts.Endpoint,
		pollTimeout: opts.PollTimeout,
		allowed:     make(map[int64]bool, len(opts.AllowedChats)),
		router:      opts.Router,
		logger:      opts.Logger.With().Str("component", "telegram").Logger(),
	}
	for _, id := range opts.AllowedChats {
		b.allowed[id] = true
	}
	b.commands = NewCommands(b)
	return b, nil
}

func (b *Bot) Name() string { return Name }

// Wait blocks until in-flight message handlers return.
func (b *Bot) Wait() { b.handlers.Wait() }

// Commands exposes the command table for registration.
func (b *Bot) Commands() *Commands { return b.commands }

// ctxClient binds every request to the connection's context, so closing
// the connection aborts a pending long poll.
type ctxClient struct {
	ctx    context.Context
	client *http.Client
}

func (c *ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

// Connect authenticates with getMe through the pool's client.
func (b *Bot) Connect(ctx context.Context, pool bridge.Pool) (bridge.Conn, error) {
	connCtx, cancel := context.WithCancel(ctx)
	api, err := tgbotapi.NewBotAPIWithClient(b.token, b.endpoint, &ctxClient{ctx: connCtx, client: pool.Client()})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	b.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return &conn{bot: b, api: api, ctx: connCtx, cancel: cancel}, nil
}

type conn struct {
	bot    *Bot
	api    *tgbotapi.BotAPI
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *conn) Close() error {
	c.cancel()
	return nil
}

// Serve long-polls getUpdates until an error or until ctx or the
// connection is closed.
func (c *conn) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()

	offset := 0
	for {
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}
		updates, err := c.api.GetUpdates(tgbotapi.UpdateConfig{
			Offset:  offset,
			Limit:   100,
			Timeout: c.bot.pollTimeout,
		})
		if err != nil {
			if c.ctx.Err() != nil {
				return c.ctx.Err()
			}
			return fmt.Errorf("get updates: %w", err)
		}
		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			c.handleUpdate(ctx, update)
		}
	}
}

// handleUpdate routes an update to the command table or the session
// router. Replies are sent from a tracked goroutine so a long turn never
// stalls polling.
func (c *conn) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	if len(c.bot.allowed) > 0 && !c.bot.allowed[msg.Chat.ID] {
		c.bot.logger.Warn().Int64("chat_id", msg.Chat.ID).Msg("Message from chat not in allow list ignored")
		return
	}

	mc := newMessageContext(msg)
	c.bot.handlers.Add(1)
	go func() {
		defer c.bot.handlers.Done()

		var reply string
		var err error
		if msg.IsCommand() {
			reply, err = c.bot.commands.Handle(ctx, mc, msg.Command(), msg.CommandArguments())
		} else {
			reply, err = c.handleMessage(ctx, mc)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.bot.logger.Error().Err(err).Int("update_id", update.UpdateID).Int64("chat_id", mc.ChatID).Msg("Failed to handle update")
			reply = "Error: " + err.Error()
		}
		if reply == "" {
			return
		}
		if err := c.sendReply(mc, reply); err != nil {
			c.bot.logger.Warn().Err(err).Int64("chat_id", mc.ChatID).Msg("Failed to send reply")
		}
	}()
}

// sendReply answers in the same chat, split to fit Telegram's limit.
func (c *conn) sendReply(mc MessageContext, text string) error {
	for i, chunk := range splitMessage(text, maxMessageLen) {
		out := tgbotapi.NewMessage(mc.ChatID, chunk)
		if i == 0 {
			out.ReplyToMessageID = mc.MessageID
		}
		if _, err := c.api.Send(out); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}
	c.bot.logger.Debug().Int64("chat_id", mc.ChatID).Int("reply_to", mc.MessageID).Msg("Reply sent")
	return nil
}

func (c *conn) sendTyping(chatID int64) {
	if _, err := c.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		c.bot.logger.Debug().Err(err).Int64("chat_id", chatID).Msg("Failed to send typing action")
	}
}
