// Package menu implements the interactive command dispatcher: a
// numbered menu loop that turns operator input into forwarding-rule
// operations. All input validation is delegated to pkg/validate so the
// loop can be driven headlessly with pre-supplied input in tests.
package menu

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/ezsetup/ezpf/pkg/fw"
	"github.com/ezsetup/ezpf/pkg/validate"
)

// Colored operator-facing output. Severity is part of the contract:
// info is advisory, warn does not block, error returns to the menu.
var (
	info     = color.New(color.FgBlue).FprintfFunc()
	success  = color.New(color.FgGreen).FprintfFunc()
	errorMsg = color.New(color.FgRed).FprintfFunc()
)

// Persister is what the menu calls after every kernel-state mutation.
type Persister interface {
	Persist() error
}

// Menu is the interactive dispatcher. It reads commands from in and
// writes prompts and results to out; each selection runs to completion
// before the next is accepted.
type Menu struct {
	in        *bufio.Reader
	out       io.Writer
	engine    fw.Engine
	persister Persister
	logger    *zap.Logger

	lines chan lineResult
}

type lineResult struct {
	text string
	err  error
}

// New creates a Menu over the given streams and collaborators.
func New(in io.Reader, out io.Writer, engine fw.Engine, persister Persister, logger *zap.Logger) *Menu {
	return &Menu{
		in:        bufio.NewReader(in),
		out:       out,
		engine:    engine,
		persister: persister,
		logger:    logger,
	}
}

// Run drives the menu until the operator exits, input ends, or the
// context is cancelled. Invalid selections and operational failures
// return to the menu. Cancellation unblocks a pending prompt so the
// session can unwind and its watchers shut down.
func (m *Menu) Run(ctx context.Context) error {
	m.lines = make(chan lineResult)
	go m.readLoop()

	for {
		m.printMenu()
		choice, err := m.readLine(ctx, "Select an option: ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch choice {
		case "1":
			m.addForward(ctx, fw.FamilyIPv4)
		case "2":
			m.addForward(ctx, fw.FamilyIPv6)
		case "3":
			m.clearAll(ctx)
		case "4":
			m.showRules()
		case "0":
			info(m.out, "Bye.\n")
			return nil
		default:
			errorMsg(m.out, "Invalid option %q, please choose 0-4.\n", choice)
		}
	}
}

// readLoop feeds input lines to the dispatcher. Reads happen off the
// dispatch goroutine so a pending prompt can lose a select against
// context cancellation.
func (m *Menu) readLoop() {
	defer close(m.lines)
	for {
		line, err := m.in.ReadString('\n')
		m.lines <- lineResult{text: line, err: err}
		if err != nil {
			return
		}
	}
}

func (m *Menu) printMenu() {
	io.WriteString(m.out, "\n==== Port Forwarding ====\n"+
		"  1) Add IPv4 forward\n"+
		"  2) Add IPv6 forward\n"+
		"  3) Clear all rules\n"+
		"  4) Show rules\n"+
		"  0) Exit\n")
}

// readLine prints a prompt and reads one trimmed line. io.EOF is
// returned once input is exhausted, even if the final line lacked a
// newline; ctx.Err() is returned when the session is cancelled first.
func (m *Menu) readLine(ctx context.Context, prompt string) (string, error) {
	io.WriteString(m.out, prompt)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-m.lines:
		if !ok {
			return "", io.EOF
		}
		if res.err != nil && res.text == "" {
			return "", res.err
		}
		return strings.TrimSpace(res.text), nil
	}
}

// addForward collects one forwarding intent, re-prompting per invalid
// field, then installs it, persists, and shows the resulting ruleset.
func (m *Menu) addForward(ctx context.Context, family fw.Family) {
	rule, err := m.promptRule(ctx, family)
	if err != nil {
		// Input ended mid-intent; nothing was mutated.
		return
	}

	if err := m.engine.AddForwarding(rule); err != nil {
		m.logger.Error("failed to install forwarding rules", zap.Error(err))
		errorMsg(m.out, "Failed to install forwarding rules: %v\n", err)
		return
	}
	success(m.out, "Forward added: %s port %d -> %s (tcp+udp)\n",
		rule.Family, rule.LocalPort, rule.Target())

	if err := m.persister.Persist(); err != nil {
		m.logger.Error("failed to persist ruleset", zap.Error(err))
		errorMsg(m.out, "Rules are active but could not be persisted: %v\n", err)
	}
	m.showRules()
}

// promptRule prompts for the three intent fields. Each field loops
// until valid; remote port defaults to the local port when left empty.
func (m *Menu) promptRule(ctx context.Context, family fw.Family) (fw.ForwardingRule, error) {
	var rule fw.ForwardingRule
	rule.Family = family

	for {
		s, err := m.readLine(ctx, "Local port: ")
		if err != nil {
			return rule, err
		}
		if validate.Port(s) {
			rule.LocalPort = validate.ParsePort(s)
			break
		}
		errorMsg(m.out, "Invalid port %q: expected an integer between 1 and 65535.\n", s)
	}

	addrPrompt := "Remote IPv4 address: "
	if family == fw.FamilyIPv6 {
		addrPrompt = "Remote IPv6 address: "
	}
	for {
		s, err := m.readLine(ctx, addrPrompt)
		if err != nil {
			return rule, err
		}
		if validate.Address(family, s) {
			rule.RemoteAddr = s
			break
		}
		errorMsg(m.out, "Invalid %s address %q.\n", family, s)
	}

	for {
		s, err := m.readLine(ctx, "Remote port (empty = same as local): ")
		if err != nil {
			return rule, err
		}
		if s == "" {
			rule.RemotePort = rule.LocalPort
			break
		}
		if validate.Port(s) {
			rule.RemotePort = validate.ParsePort(s)
			break
		}
		errorMsg(m.out, "Invalid port %q: expected an integer between 1 and 65535.\n", s)
	}

	return rule, nil
}

// clearAll deletes the whole forwarding table after confirmation.
// Anything but y/Y declines.
func (m *Menu) clearAll(ctx context.Context) {
	exists, err := m.engine.TableExists()
	if err != nil {
		m.logger.Error("failed to probe forwarding table", zap.Error(err))
		errorMsg(m.out, "Failed to probe forwarding table: %v\n", err)
		return
	}
	if !exists {
		info(m.out, "No forwarding rules present, nothing to clear.\n")
		return
	}

	answer, err := m.readLine(ctx, "Delete ALL forwarding rules? [y/N]: ")
	if err != nil {
		return
	}
	if answer != "y" && answer != "Y" {
		info(m.out, "Clear cancelled.\n")
		return
	}

	if err := m.engine.DeleteAll(); err != nil {
		if errors.Is(err, fw.ErrNothingToClear) {
			info(m.out, "No forwarding rules present, nothing to clear.\n")
			return
		}
		m.logger.Error("failed to clear forwarding rules", zap.Error(err))
		errorMsg(m.out, "Failed to clear forwarding rules: %v\n", err)
		return
	}
	success(m.out, "All forwarding rules cleared.\n")

	if err := m.persister.Persist(); err != nil {
		m.logger.Error("failed to persist ruleset", zap.Error(err))
		errorMsg(m.out, "Rules are cleared but the change could not be persisted: %v\n", err)
	}
}

// showRules dumps the complete current ruleset, read-only.
func (m *Menu) showRules() {
	dump, err := m.engine.Dump()
	if err != nil {
		m.logger.Error("failed to dump ruleset", zap.Error(err))
		errorMsg(m.out, "Failed to show rules: %v\n", err)
		return
	}
	if strings.TrimSpace(dump) == "" {
		info(m.out, "Ruleset is empty.\n")
		return
	}
	io.WriteString(m.out, dump)
	if !strings.HasSuffix(dump, "\n") {
		io.WriteString(m.out, "\n")
	}
}
