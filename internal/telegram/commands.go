package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/tether/pkg/runtime"
	"github.com/rs/zerolog"
)

// CommandFunc handles one command and returns the reply text.
type CommandFunc func(ctx context.Context, cc CommandContext) (string, error)

// CommandContext contains command metadata
type CommandContext struct {
	MessageContext
	Command string
	Args    []string
	RawArgs string
}

// Commands is the bot's command table.
type Commands struct {
	bot    *Bot
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]CommandFunc
}

// NewCommands creates the table with the session commands registered.
func NewCommands(bot *Bot) *Commands {
	c := &Commands{
		bot:      bot,
		logger:   bot.logger.With().Str("module", "commands").Logger(),
		handlers: make(map[string]CommandFunc),
	}
	c.Register("start", c.help)
	c.Register("help", c.help)
	c.Register("new", c.reset)
	c.Register("cancel", c.cancel(runtime.CancelGraceful))
	c.Register("stop", c.cancel(runtime.CancelImmediate))
	c.Register("session", c.session)
	return c
}

// Handle runs the handler registered for command.
func (c *Commands) Handle(ctx context.Context, mc MessageContext, command, rawArgs string) (string, error) {
	cc := CommandContext{
		MessageContext: mc,
		Command:        command,
		Args:           strings.Fields(rawArgs),
		RawArgs:        rawArgs,
	}
	c.logger.Debug().
		Int64("chat_id", cc.ChatID).
		Str("command", command).
		Strs("args", cc.Args).
		Msg("Command received")

	c.mu.RLock()
	handler, exists := c.handlers[command]
	c.mu.RUnlock()
	if !exists {
		return fmt.Sprintf("Unknown command: /%s", command), nil
	}
	return handler(ctx, cc)
}

func (c *Commands) Register(command string, handler CommandFunc) {
	c.mu.Lock()
	c.handlers[command] = handler
	c.mu.Unlock()
}

func (c *Commands) Unregister(command string) {
	c.mu.Lock()
	delete(c.handlers, command)
	c.mu.Unlock()
}

// Registered returns the sorted command names.
func (c *Commands) Registered() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	commands := make([]string, 0, len(c.handlers))
	for cmd := range c.handlers {
		commands = append(commands, cmd)
	}
	sort.Strings(commands)
	return commands
}

func (c *Commands) help(ctx context.Context, cc CommandContext) (string, error) {
	return "Send a message to talk to your session.\n" +
		"/new starts a fresh session\n" +
		"/cancel stops the current turn gracefully\n" +
		"/stop stops it immediately\n" +
		"/session shows the session id", nil
}

func (c *Commands) reset(ctx context.Context, cc CommandContext) (string, error) {
	if err := c.bot.router.Reset(ctx, cc.inbound()); err != nil {
		return "", err
	}
	return "Started a new session.", nil
}

func (c *Commands) cancel(level runtime.CancelLevel) CommandFunc {
	return func(ctx context.Context, cc CommandContext) (string, error) {
		if !c.bot.router.Cancel(ctx, cc.inbound(), level) {
			return "No active session.", nil
		}
		return fmt.Sprintf("Cancel requested (%s).", level), nil
	}
}

func (c *Commands) session(ctx context.Context, cc CommandContext) (string, error) {
	id, ok := c.bot.router.SessionFor(cc.inbound())
	if !ok {
		return "No active session.", nil
	}
	return "Session: " + id, nil
}
