// Package console is the terminal side of a chat: it reads lines typed by
// the user and prints lines received from peers.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"go.uber.org/zap"
)

// subscriberBuffer is how many typed lines may wait for a slow session
// before new ones are dropped for it.
const subscriberBuffer = 64

// Console multiplexes one input stream to every subscribed session and
// serialises writes to the output.
type Console struct {
	in  io.Reader
	out io.Writer
	log *zap.Logger

	outMu   sync.Mutex
	inbound *color.Color
	notice  *color.Color
	tags    bool

	subMu sync.Mutex
	subs  map[*Subscription]struct{}

	startOnce sync.Once
	eof       chan struct{}
	readErr   error
}

// Option customises a Console.
type Option func(*Console)

// WithColor forces coloured output on or off. By default colour follows
// whether the output is a terminal.
func WithColor(on bool) Option {
	return func(c *Console) {
		if on {
			c.inbound.EnableColor()
			c.notice.EnableColor()
		} else {
			c.inbound.DisableColor()
			c.notice.DisableColor()
		}
	}
}

// WithSenderTags prefixes every inbound line with the sender's short id.
func WithSenderTags(on bool) Option {
	return func(c *Console) { c.tags = on }
}

// WithLogger sets the logger used for dropped-line warnings.
func WithLogger(l *zap.Logger) Option {
	return func(c *Console) { c.log = l }
}

// New returns a Console reading lines from in and printing to out.
func New(in io.Reader, out io.Writer, opts ...Option) *Console {
	c := &Console{
		in:      in,
		out:     out,
		log:     zap.NewNop(),
		inbound: color.New(color.FgGreen),
		notice:  color.New(color.FgYellow),
		subs:    make(map[*Subscription]struct{}),
		eof:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PrintInbound prints a line received from a peer in the inbound colour.
func (c *Console) PrintInbound(from, line string) error {
	text := line
	if c.tags && from != "" {
		text = fmt.Sprintf("[%s]: %s", from, line)
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintln(c.out, c.inbound.Sprint(text))
	return err
}

// Printf prints an uncoloured message.
func (c *Console) Printf(format string, args ...interface{}) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Noticef prints a highlighted status message on its own line.
func (c *Console) Noticef(format string, args ...interface{}) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, c.notice.Sprintf(format, args...))
}

// Subscribe returns a line source that sees every line typed from now on.
// The first call starts reading input.
func (c *Console) Subscribe() *Subscription {
	s := &Subscription{c: c, lines: make(chan string, subscriberBuffer)}
	c.subMu.Lock()
	c.subs[s] = struct{}{}
	c.subMu.Unlock()

	c.startOnce.Do(func() { go c.readLoop() })
	return s
}

func (c *Console) readLoop() {
	r := bufio.NewReader(c.in)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			c.broadcast(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.readErr = err
				c.log.Warn("console input failed", zap.Error(err))
			}
			close(c.eof)
			return
		}
	}
}

func (c *Console) broadcast(line string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for s := range c.subs {
		select {
		case s.lines <- line:
		default:
			c.log.Warn("session is not keeping up, dropping console line", zap.Int("buffered", len(s.lines)))
		}
	}
}

// Subscription is one session's view of the console input.
type Subscription struct {
	c     *Console
	lines chan string
	once  sync.Once
}

// ReadLine returns the next typed line. After input ends it drains what is
// buffered and then returns io.EOF.
func (s *Subscription) ReadLine(ctx context.Context) (string, error) {
	select {
	case line := <-s.lines:
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.c.eof:
		select {
		case line := <-s.lines:
			return line, nil
		default:
		}
		if s.c.readErr != nil {
			return "", s.c.readErr
		}
		return "", io.EOF
	}
}

// Close stops delivering lines to s.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.c.subMu.Lock()
		delete(s.c.subs, s)
		s.c.subMu.Unlock()
	})
}
