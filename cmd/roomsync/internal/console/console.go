// Package console drives a room from a line-oriented terminal: each input
// line is either a message or a slash command, and room changes are printed
// as they arrive.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"

	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/handle"
	"github.com/nfrund/roomsync/internal/room"
)

const helpText = `Commands:
  <text>              send a message
  /list               list messages with their numbers
  /edit <n> <text>    replace the text of message n
  /delete <n>         delete message n
  /clear              delete every message
  /who                list who is online
  /help               show this help
  /quit               leave the room`

// DefaultTypingPoll is how often the typing line is refreshed.
const DefaultTypingPoll = 250 * time.Millisecond

// Console is a terminal front end for one room.
type Console struct {
	room *room.Room
	in   io.Reader
	out  io.Writer
	poll time.Duration

	mu     sync.Mutex
	known  map[string]domain.Message
	typing string
}

// New creates a console reading commands from in and printing to out.
func New(r *room.Room, in io.Reader, out io.Writer) *Console {
	return &Console{
		room:  r,
		in:    in,
		out:   out,
		poll:  DefaultTypingPoll,
		known: make(map[string]domain.Message),
	}
}

// Run processes input until /quit, end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsubscribe, err := c.room.Subscribe(c.render)
	if err != nil {
		return fmt.Errorf("subscribe to messages: %w", err)
	}
	defer unsubscribe()

	removeFailure := c.room.OnFailure(func(op domain.Operation, err error) {
		c.printf("%s %s %s failed: %v\n", color.Red.Sprint("!"), op.Kind, op.ID, err)
	})
	defer removeFailure()

	go c.watchTyping(ctx)

	c.printf("Joined %s as %s. Type /help for commands.\n", color.Bold.Sprint(c.room.Name()), handle.Colorize(c.room.Handle()))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether the user asked to quit.
func (c *Console) handle(line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.room.Typing(room.MessageField)
		if _, _, err := c.room.Send(line); err != nil {
			c.printf("%s %v\n", color.Red.Sprint("!"), err)
		}
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.printf("%s\n", helpText)
	case "/list":
		for i, m := range c.room.Messages() {
			c.printf("%3d %s: %s\n", i+1, handle.Colorize(m.Handle), m.Text)
		}
	case "/who":
		for i, e := range c.room.Online() {
			suffix := ""
			if i == 0 {
				suffix = " (you)"
			}
			c.printf("  %s%s\n", handle.Colorize(e.Handle), suffix)
		}
	case "/edit":
		n, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
		m, err := c.nth(n)
		if err != nil {
			c.printf("%s %v\n", color.Red.Sprint("!"), err)
			return false
		}
		if _, err := c.room.Edit(m.ID, strings.TrimSpace(text)); err != nil {
			c.printf("%s %v\n", color.Red.Sprint("!"), err)
		}
	case "/delete":
		m, err := c.nth(strings.TrimSpace(rest))
		if err != nil {
			c.printf("%s %v\n", color.Red.Sprint("!"), err)
			return false
		}
		c.room.Delete(m.ID)
	case "/clear":
		c.room.DeleteAll()
	default:
		c.printf("%s unknown command %s, try /help\n", color.Red.Sprint("!"), cmd)
	}
	return false
}

func (c *Console) nth(arg string) (domain.Message, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("expected a message number, got %q", arg)
	}
	msgs := c.room.Messages()
	if n < 1 || n > len(msgs) {
		return domain.Message{}, fmt.Errorf("no message %d", n)
	}
	return msgs[n-1], nil
}

// render prints what changed since the previous snapshot.
func (c *Console) render(msgs []domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		seen[m.ID] = struct{}{}
		prev, ok := c.known[m.ID]
		switch {
		case !ok:
			fmt.Fprintf(c.out, "%s: %s\n", handle.Colorize(m.Handle), m.Text)
		case prev.Text != m.Text:
			fmt.Fprintf(c.out, "%s: %s %s\n", handle.Colorize(m.Handle), m.Text, color.Gray.Sprint("(edited)"))
		}
		c.known[m.ID] = m
	}
	for id, m := range c.known {
		if _, ok := seen[id]; !ok {
			fmt.Fprintf(c.out, "%s\n", color.Gray.Sprintf("%s deleted: %s", m.Handle, m.Text))
			delete(c.known, id)
		}
	}
}

func (c *Console) watchTyping(ctx context.Context) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := c.room.TypingSummary(room.MessageField)
			c.mu.Lock()
			changed := summary != c.typing
			c.typing = summary
			c.mu.Unlock()
			if changed && summary != "" {
				c.printf("%s\n", color.Gray.Sprint(summary))
			}
		}
	}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
