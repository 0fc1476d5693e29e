package sim

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/teslamotors/vehicle-opener/internal/rolling"
	"github.com/teslamotors/vehicle-opener/pkg/gatt"
	"github.com/teslamotors/vehicle-opener/pkg/peripheral"
)

var (
	ErrUsage       = errors.New("usage error")
	ErrUnknownCmd  = errors.New("unknown command")
	ErrUnknownPeer = errors.New("unknown connection ID")
	ErrQuit        = errors.New("quit")
)

type command struct {
	usage string
	help  string
	run   func(c *Console, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":       {"", "show this message", (*Console).help},
		"connect":    {"ADDRESS", "connect a simulated central", (*Console).connect},
		"pair":       {"ID [PIN]", "pair with PIN (default: configured passkey)", (*Console).pair},
		"pair-plain": {"ID", "complete pairing without encryption", (*Console).pairPlain},
		"subscribe":  {"ID CHR none|notify|indicate|both|N", "write a CCCD value", (*Console).subscribe},
		"write":      {"ID CHALLENGE", "write a challenge to Authorization", (*Console).write},
		"read":       {"ID CHR", "read a characteristic", (*Console).read},
		"mtu":        {"ID MTU", "report an MTU exchange", (*Console).mtu},
		"disconnect": {"ID", "disconnect a central", (*Console).disconnect},
		"received":   {"ID", "list notifications received by a central", (*Console).received},
		"status":     {"", "show server state", (*Console).status},
		"fail":       {"advertise|notify N", "fail the next N stack operations", (*Console).fail},
		"quit":       {"", "exit", (*Console).quit},
	}
}

// Console drives a simulated stack from text commands.
type Console struct {
	stack   *Stack
	server  *peripheral.Server
	ids     peripheral.Identifiers
	passkey uint32
	secret  []byte
	digits  int
	out     io.Writer
}

// NewConsole returns a console writing to out. When secret is non-nil, notified rolling codes
// are verified against it.
func NewConsole(stack *Stack, server *peripheral.Server, cfg peripheral.Config, secret []byte, out io.Writer) *Console {
	return &Console{
		stack:   stack,
		server:  server,
		ids:     cfg.Identifiers,
		passkey: cfg.Passkey,
		secret:  secret,
		digits:  cfg.Rolling.Digits,
		out:     out,
	}
}

// Exec parses line with shell quoting rules and runs it. It returns ErrQuit for the quit
// command.
func (c *Console) Exec(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	cmd, ok := commands[strings.ToLower(args[0])]
	if !ok {
		return fmt.Errorf("%w: %s (type 'help' for commands)", ErrUnknownCmd, args[0])
	}
	if err := cmd.run(c, args[1:]); err != nil {
		if errors.Is(err, ErrUsage) {
			return fmt.Errorf("%w: %s %s", ErrUsage, args[0], cmd.usage)
		}
		return err
	}
	return nil
}

func (c *Console) help(args []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(c.out, "  %-36s %s\n", strings.TrimSpace(name+" "+cmd.usage), cmd.help)
	}
	return nil
}

func (c *Console) quit(args []string) error {
	return ErrQuit
}

func (c *Console) peer(arg string) (*Peer, error) {
	handle, err := strconv.ParseUint(arg, 10, 16)
	if err != nil {
		return nil, ErrUsage
	}
	p, ok := c.stack.Peer(uint16(handle))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, arg)
	}
	return p, nil
}

// characteristic accepts a role name or a UUID. Role names are resolved through the server's
// registry.
func (c *Console) characteristic(arg string) (gatt.UUID, error) {
	var role gatt.Role
	switch strings.ToLower(arg) {
	case "auth", "authorization":
		role = gatt.RoleAuthorization
	case "code", "rolling", "rolling-code":
		role = gatt.RoleRollingCode
	case "live", "liveness":
		role = gatt.RoleLiveness
	default:
		return gatt.ParseUUID(arg)
	}
	_, chr, err := c.server.Registry().ByRole(role)
	if err != nil {
		return gatt.UUID{}, err
	}
	return chr.UUID, nil
}

func (c *Console) connect(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	p, err := c.stack.Connect(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "connected %s\n", p)
	return nil
}

func (c *Console) pair(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return ErrUsage
	}
	p, err := c.peer(args[0])
	if err != nil {
		return err
	}
	pin := c.passkey
	if len(args) == 2 {
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return ErrUsage
		}
		pin = uint32(v)
	}
	ok, err := p.Pair(pin)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(c.out, "pairing rejected")
		return nil
	}
	fmt.Fprintln(c.out, "paired")
	return nil
}

func (c *Console) pairPlain(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	p, err := c.peer(args[0])
	if err != nil {
		return err
	}
	return p.PairUnencrypted()
}

var subscriptionNames = map[string]gatt.Subscription{
	"none":     gatt.Unsubscribed,
	"notify":   gatt.SubscribedNotify,
	"indicate": gatt.SubscribedIndicate,
	"both":     gatt.SubscribedBoth,
}

func (c *Console) subscribe(args []string) error {
	if len(args) != 3 {
		return ErrUsage
	}
	p, err := c.peer(args[0])
	if err != nil {
		return err
	}
	chr, err := c.characteristic(args[1])
	if err != nil {
		return err
	}
	value := uint16(0)
	if sub, ok := subscriptionNames[strings.ToLower(args[2])]; ok {
		value = uint16(sub)
	} else {
		v, err := strconv.ParseUint(args[2], 0, 16)
		if err != nil {
			return ErrUsage
		}
		value = uint16(v)
	}
	return p.Subscribe(chr, value)
}

func (c *Console) write(args []string) error {
	if len(args) != 2 {
		return ErrUsage
	}
	p, err := c.peer(args[0])
	if err != nil {
		return err
	}
	challenge, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return ErrUsage
	}
	before := len(p.Notifications())
	value := make([]byte, 8)
	for i := range value {
		value[i] = byte(challenge >> (8 * i))
	}
	if challenge <= 0xFFFFFFFF {
		value = value[:4]
	}
	if err := p.Write(c.ids.Authorization, value); err != nil {
		return fmt.Errorf("write rejected: %w (status 0x%02x)", err, uint8(gatt.StatusOf(err)))
	}
	for _, n := range p.Notifications()[before:] {
		c.printCode(n, uint32(challenge))
	}
	return nil
}

func (c *Console) printCode(n Notification, challenge uint32) {
	counter, value, err := rolling.DecodePayload(n.Value)
	if err != nil {
		fmt.Fprintf(c.out, "notified %s: %x\n", n.Characteristic, n.Value)
		return
	}
	code := rolling.Code{Counter: counter, Value: value, Digits: c.digits}
	verdict := ""
	if c.secret != nil {
		if _, err := rolling.Verify(c.secret, c.digits, challenge, n.Value); err != nil {
			verdict = " (verification failed)"
		} else {
			verdict = " (verified)"
		}
	}
	fmt.Fprintf(c.out, "rolling code #%d: %s%s\n", counter, code, verdict)
}

func (c *Console) read(args []string) error {
	if len(args) != 2 {
		return ErrUsage
	}
	p, err := c.peer(args[0])
	if err != nil {
		return err
	}
	chr, err := c.characteristic(args[1])
	if err != nil {
		return err
	}
	value, err := p.Read(chr)
	if err != nil {
		return fmt.Errorf("read rejected: %w (status 0x%02x)", err, uint8(gatt.StatusOf(err)))
	}
	if chr == c.ids.Liveness {
		if v, ok := peripheral.DecodeLiveness(value); ok {
			fmt.Fprintf(c.out, "%s = %d\n", chr, v)
			return nil
		}
	}
	fmt.Fprintf(c.out, "%s = %x\n", chr, value)
	return nil
}

func (c *Console) mtu(args []string) error {
	if len(args) != 2 {
		return ErrUsage
	}
	p, err := c.peer(args[0])
	if err != nil {
		return err
	}
	mtu, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return ErrUsage
	}
	return p.SetMTU(uint16(mtu))
}

func (c *Console) disconnect(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	p, err := c.peer(args[0])
	if err != nil {
		return err
	}
	return p.Disconnect()
}

func (c *Console) received(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	p, err := c.peer(args[0])
	if err != nil {
		return err
	}
	for i, n := range p.Notifications() {
		kind := "notify"
		if n.Indicate {
			kind = "indicate"
		}
		fmt.Fprintf(c.out, "%3d %-8s %s %x\n", i, kind, n.Characteristic, n.Value)
	}
	return nil
}

func (c *Console) status(args []string) error {
	snap, err := c.server.Snapshot()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "advertising: %v\n", snap.Advertising)
	fmt.Fprintf(c.out, "liveness:    %d\n", snap.Liveness)
	fmt.Fprintf(c.out, "counter:     %d\n", snap.Rolling.Counter)
	if snap.CodeIssued {
		fmt.Fprintf(c.out, "last code:   %s (fresh: %v)\n", snap.LastCode, snap.CodeFresh)
	}
	for _, s := range snap.Sessions {
		fmt.Fprintf(c.out, "session %s: id=%d addr=%s mtu=%d encrypted=%v state=%s\n",
			s.ID, s.Handle, s.Address, s.MTU, s.Encrypted, s.State)
		for chr, sub := range s.Subscriptions {
			fmt.Fprintf(c.out, "  %s: %s\n", chr, sub)
		}
	}
	return nil
}

func (c *Console) fail(args []string) error {
	if len(args) != 2 {
		return ErrUsage
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return ErrUsage
	}
	switch args[0] {
	case "advertise":
		c.stack.FailAdvertising(n)
	case "notify":
		c.stack.FailNotify(n)
	default:
		return ErrUsage
	}
	return nil
}
