package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/harun/clawloop/pkg/bus"
	"github.com/rs/zerolog"
)

// StdioConfig configures a StdioChannel.
type StdioConfig struct {
	// Name defaults to "cli".
	Name     string
	In       io.Reader
	Out      io.Writer
	SenderID string
	ChatID   string
	Logger   zerolog.Logger
}

// StdioChannel reads one message per input line and writes each reply
// followed by a newline.
type StdioChannel struct {
	cfg StdioConfig

	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// NewStdioChannel creates a line-oriented channel over cfg.In and cfg.Out.
func NewStdioChannel(cfg StdioConfig) *StdioChannel {
	if cfg.Name == "" {
		cfg.Name = "cli"
	}
	if cfg.SenderID == "" {
		cfg.SenderID = "local"
	}
	if cfg.ChatID == "" {
		cfg.ChatID = "direct"
	}
	return &StdioChannel{cfg: cfg, done: make(chan struct{})}
}

// Name returns channel name.
func (c *StdioChannel) Name() string {
	return c.cfg.Name
}

// Start reads lines in the background. Blank lines are skipped.
func (c *StdioChannel) Start(ctx context.Context, publish PublishFunc) error {
	if publish == nil {
		return fmt.Errorf("publish function is required")
	}
	if c.cfg.In == nil || c.cfg.Out == nil {
		return fmt.Errorf("stdio channel needs both input and output")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.read(ctx, publish)
	return nil
}

func (c *StdioChannel) read(ctx context.Context, publish PublishFunc) {
	defer c.once.Do(func() { close(c.done) })

	scanner := bufio.NewScanner(c.cfg.In)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		err := publish(ctx, bus.InboundMessage{
			Channel:  c.cfg.Name,
			SenderID: c.cfg.SenderID,
			ChatID:   c.cfg.ChatID,
			Content:  line,
		})
		if err != nil {
			if ctx.Err() == nil {
				c.cfg.Logger.Error().Err(err).Msg("Failed to publish input line")
			}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.cfg.Logger.Error().Err(err).Msg("Failed to read input")
	}
}

// Done is closed once input reaches EOF or publishing stops.
func (c *StdioChannel) Done() <-chan struct{} {
	return c.done
}

// Stop stops publishing. A read blocked on the input is abandoned.
func (c *StdioChannel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send writes the reply content on its own line.
func (c *StdioChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := io.WriteString(c.cfg.Out, strings.TrimRight(msg.Content, "\n")+"\n")
	return err
}
