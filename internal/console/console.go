// Package console provides the interactive operator console of a
// Fingerprint module.
//
// The console drives the same session as the MQTT and HTTP surfaces.
// Finished commands are printed as they arrive when the console is
// registered as a session observer.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/nerrad567/fingerprint-core/internal/capability"
	"github.com/nerrad567/fingerprint-core/internal/session"
)

// ErrUnterminatedQuote is returned by Split for an unbalanced quote.
var ErrUnterminatedQuote = errors.New("console: unterminated quote")

// Controller is the session surface the console drives.
type Controller interface {
	Invoke(ctx context.Context, name string, args []any) (session.Ack, error)
	Abort(ctx context.Context) error
	Snapshot() session.DeviceState
	Stats() session.Stats
	Commands() *session.Table
}

// Console handles interactive mode.
type Console struct {
	ctl   Controller
	nodes *capability.Store
	rl    *readline.Instance
	out   io.Writer
}

// New creates a console reading from the terminal. commands feeds tab
// completion. Attach the session before Run.
func New(nodes *capability.Store, commands *session.Table) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "fingerprint> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(commands),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	c := NewWithWriter(nil, nodes, rl.Stdout())
	c.rl = rl
	return c, nil
}

// Attach sets the session the console drives. Call it before Run.
func (c *Console) Attach(ctl Controller) {
	c.ctl = ctl
}

// NewWithWriter creates a console without a terminal. Lines are fed
// through Execute.
func NewWithWriter(ctl Controller, nodes *capability.Store, out io.Writer) *Console {
	if nodes == nil {
		nodes = &capability.Store{}
	}
	return &Console{ctl: ctl, nodes: nodes, out: out}
}

// Stdout returns a writer that coordinates with the readline prompt.
// Use it for log output while the console runs.
func (c *Console) Stdout() io.Writer {
	return c.out
}

func completer(table *session.Table) *readline.PrefixCompleter {
	names := make([]readline.PrefixCompleterInterface, 0, len(table.Descriptors()))
	for _, d := range table.Descriptors() {
		names = append(names, readline.PcItem(d.Name))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("invoke", names...),
		readline.PcItem("abort"),
		readline.PcItem("status"),
		readline.PcItem("caps"),
		readline.PcItem("commands"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// Run reads commands until quit, EOF or ctx is done. cancel is called
// when the operator exits.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	if c.rl == nil {
		return
	}
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if quit := c.Execute(ctx, line); quit {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Execute runs one console line and reports whether the operator asked
// to quit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	parts, err := Split(line)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return false
	}
	if len(parts) == 0 {
		return false
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "invoke", "i":
		c.cmdInvoke(ctx, args)
	case "abort", "a":
		c.cmdAbort(ctx)
	case "status", "s":
		c.cmdStatus()
	case "caps":
		c.cmdCaps()
	case "commands", "c":
		c.cmdCommands()
	case "quit", "exit", "q":
		return true
	default:
		// A bare command name is an invocation.
		if _, ok := c.ctl.Commands().Lookup(cmd); ok {
			c.cmdInvoke(ctx, parts)
			return false
		}
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

// Observe prints finished commands. It implements session.Observer.
func (c *Console) Observe(e session.Event) {
	f, ok := e.(session.Finished)
	if !ok {
		return
	}
	if f.Error != session.ErrorNone {
		fmt.Fprintf(c.out, "<< %s finished: %s (error %d %s) in %s\n",
			f.Ticket.Command, f.Result, int(f.Error), f.Error, f.Duration().Round(time.Millisecond))
		return
	}
	fmt.Fprintf(c.out, "<< %s finished: %s in %s\n", f.Ticket.Command, f.Result, f.Duration().Round(time.Millisecond))
	if f.Asset != nil {
		fmt.Fprintf(c.out, "   asset: %s at %q\n", f.Asset.State, f.Asset.Location)
	}
	for _, k := range sortedKeys(f.Outputs) {
		fmt.Fprintf(c.out, "   %s = %v\n", k, f.Outputs[k])
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
Fingerprint Console Commands:
  Session:
    invoke <cmd> [args...] - Invoke a command (or type the command name directly)
    abort                  - Abort the running command
    status                 - Show DeviceState and counters

  Object model:
    caps                   - Show capabilities and properties
    commands               - List commands with their parameters

  General:
    help                   - Show this help
    quit                   - Exit

  Arguments are positional. Quote empty or spaced values: add_part db true false "" b1 t1`)
}

func (c *Console) cmdInvoke(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: invoke <cmd> [args...]")
		return
	}

	values := make([]any, len(args)-1)
	for i, a := range args[1:] {
		values[i] = a
	}

	ack, err := c.ctl.Invoke(ctx, args[0], values)
	if err != nil {
		fmt.Fprintf(c.out, "Rejected: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, ">> %s accepted (ticket %s, expected %s)\n",
		ack.Ticket.Command, ack.Ticket.ID, ack.Expected)
}

func (c *Console) cmdAbort(ctx context.Context) {
	if err := c.ctl.Abort(ctx); err != nil {
		fmt.Fprintf(c.out, "Abort failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, "Abort requested")
}

func (c *Console) cmdStatus() {
	st := c.ctl.Snapshot()
	fmt.Fprintf(c.out, "  CurrentCommand: %q\n", st.CurrentCommand)
	fmt.Fprintf(c.out, "  RunState:       %s\n", st.RunState)
	fmt.Fprintf(c.out, "  ResultState:    %s\n", st.ResultState)
	fmt.Fprintf(c.out, "  ErrorType:      %d (%s)\n", int(st.ErrorType), st.ErrorType)
	fmt.Fprintf(c.out, "  AssetState:     %s\n", st.AssetState)
	fmt.Fprintf(c.out, "  Location:       %q\n", st.Location)

	s := c.ctl.Stats()
	fmt.Fprintf(c.out, "  accepted=%d completed=%d failed=%d aborted=%d rejected=%d busy=%d\n",
		s.Accepted, s.Completed, s.Failed, s.Aborted, s.RejectedInvalid, s.RejectedBusy)
}

func (c *Console) cmdCaps() {
	printTable(c.out, "Capabilities", c.nodes.Capabilities)
	printTable(c.out, "Properties", c.nodes.Properties)
}

func printTable(w io.Writer, title string, t *capability.Table) {
	fmt.Fprintf(w, "%s (%d):\n", title, t.Len())
	for _, name := range t.Names() {
		v, _ := t.Get(name)
		fmt.Fprintf(w, "  %-24s %s\n", name, v)
	}
}

func (c *Console) cmdCommands() {
	for _, d := range c.ctl.Commands().Descriptors() {
		params := make([]string, len(d.Params))
		for i, p := range d.Params {
			params[i] = p.Name + ":" + p.Type.String()
		}
		fmt.Fprintf(c.out, "  %-24s %-8s %s\n", d.Name, d.Expected, strings.Join(params, " "))
	}
}
