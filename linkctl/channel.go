// Package linkctl implements the single-outstanding link-control
// command channel of the host controller, including power-mode
// changes that involve the remote endpoint.
package linkctl

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sarchlab/storhc/hcregs"
	"github.com/sarchlab/storhc/hooking"
)

// Sentinel errors returned by the channel.
var (
	ErrNotReady   = errors.New("controller not ready to accept link-control commands")
	ErrTimeout    = errors.New("link-control command timed out")
	ErrLinkBroken = errors.New("link is broken")
)

// A CommandError carries the non-zero result code a completed command
// reported.
type CommandError struct {
	Opcode Opcode
	Code   uint32
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("link-control command 0x%02x failed with code 0x%02x",
		uint32(e.Opcode), e.Code)
}

// A PowerModeError carries the power-mode change request status a
// power-mode-affecting command left in the controller status register.
type PowerModeError struct {
	Opcode Opcode
	Status uint32
}

func (e *PowerModeError) Error() string {
	return fmt.Sprintf("power mode change 0x%02x failed, upmcrs 0x%x",
		uint32(e.Opcode), e.Status)
}

// A Holder keeps the clock domain powered for the duration of a
// command.
type Holder interface {
	Hold(async bool) error
	Release()
}

// Hook positions on the channel.
var (
	HookPosCmdIssue    = &hooking.HookPos{Name: "LinkCtlCmdIssue"}
	HookPosCmdComplete = &hooking.HookPos{Name: "LinkCtlCmdComplete"}
	HookPosLinkBroken  = &hooking.HookPos{Name: "LinkBroken"}
)

// PeerRetries bounds the retry count for remote-endpoint attribute
// accesses. Local attribute accesses are not retried here.
const PeerRetries = 3

// A Channel serializes link-control commands and reconciles their two
// completion shapes against the interrupt stream.
type Channel struct {
	hooking.HookableBase

	name    string
	regs    hcregs.Accessor
	holder  Holder
	timeout time.Duration

	// onLinkBroken is invoked, without any channel lock held, when a
	// persistent failure marks the link broken.
	onLinkBroken func()

	// cmdMu serializes all issuers: at most one link-control command
	// is in flight at a time.
	cmdMu sync.Mutex

	// mu guards the completion-side state shared with the interrupt
	// dispatcher.
	mu        sync.Mutex
	active    *Command
	asyncDone chan struct{}
	linkState LinkState
}

// Name returns the name of the channel.
func (ch *Channel) Name() string {
	return ch.name
}

// LinkState returns the interconnect state as last observed.
func (ch *Channel) LinkState() LinkState {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.linkState
}

// MarkActive records that the link has been (re-)established.
func (ch *Channel) MarkActive() {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.linkState = LinkActive
}

// MarkOff records that the link has been taken down.
func (ch *Channel) MarkOff() {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.linkState = LinkOff
}

// MarkBroken records a persistent link failure observed outside the
// command path, such as an automatic hibernate transition that raised
// an error interrupt.
func (ch *Channel) MarkBroken() {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.linkState = LinkBroken
}

// Busy reports whether a link-control command is currently active or a
// power-mode transition is underway. The clock-gating path consults it
// before cutting power.
func (ch *Channel) Busy() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.active != nil || ch.asyncDone != nil
}

// ActiveCommand returns the opcode of the in-flight command, if any.
// The interrupt dispatcher uses it to tell a commanded hibernate
// transition apart from an automatic one that failed.
func (ch *Channel) ActiveCommand() (Opcode, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.active == nil {
		return 0, false
	}

	return ch.active.Opcode, true
}

// Execute issues one simple-completion command and returns the third
// argument register content on success.
func (ch *Channel) Execute(op Opcode, arg1, arg2, arg3 uint32) (uint32, error) {
	if ch.holder != nil {
		if err := ch.holder.Hold(false); err != nil {
			return 0, err
		}
		defer ch.holder.Release()
	}

	ch.cmdMu.Lock()
	defer ch.cmdMu.Unlock()

	cmd := newCommand(op, arg1, arg2, arg3)
	if err := ch.dispatch(cmd); err != nil {
		return 0, err
	}

	return ch.waitSimple(cmd)
}

// ExecutePowerMode issues one power-mode-affecting command. These
// complete in two stages: the command-accepted status plus a dedicated
// power-status indication, because the link and the remote endpoint
// both participate in the transition. The command-complete interrupt
// is masked around submission so the simple completion cannot race the
// power-specific one, and is restored afterward regardless of outcome.
func (ch *Channel) ExecutePowerMode(op Opcode, arg1, arg2, arg3 uint32) error {
	ch.cmdMu.Lock()
	defer ch.cmdMu.Unlock()

	cmd := newCommand(op, arg1, arg2, arg3)

	ch.mu.Lock()
	if ch.linkState == LinkBroken {
		ch.mu.Unlock()
		return ErrLinkBroken
	}

	ch.asyncDone = make(chan struct{}, 1)

	reenableIntr := false
	enabled := ch.regs.Read32(hcregs.RegInterruptEnable)
	if enabled&hcregs.IntrUICCommandCompl != 0 {
		ch.regs.Write32(hcregs.RegInterruptEnable,
			enabled&^hcregs.IntrUICCommandCompl)
		reenableIntr = true
	}

	err := ch.dispatchLocked(cmd)
	ch.mu.Unlock()

	if err == nil {
		err = ch.waitPowerStatus(cmd)
	}

	ch.mu.Lock()
	ch.active = nil
	ch.asyncDone = nil
	if reenableIntr {
		enabled = ch.regs.Read32(hcregs.RegInterruptEnable)
		ch.regs.Write32(hcregs.RegInterruptEnable,
			enabled|hcregs.IntrUICCommandCompl)
	}
	broken := false
	if err != nil {
		ch.linkState = LinkBroken
		broken = true
	}
	ch.mu.Unlock()

	if broken {
		log.Printf("%s: power mode command 0x%02x failed, marking link broken: %v",
			ch.name, uint32(op), err)
		ch.InvokeHook(hooking.HookCtx{
			Domain: ch,
			Pos:    HookPosLinkBroken,
			Item:   cmd,
		})
		if ch.onLinkBroken != nil {
			ch.onLinkBroken()
		}
	}

	return err
}

func (ch *Channel) dispatch(cmd *Command) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.dispatchLocked(cmd)
}

// dispatchLocked writes the command to the controller. ch.mu must be
// held.
func (ch *Channel) dispatchLocked(cmd *Command) error {
	if ch.regs.Read32(hcregs.RegControllerStatus)&
		hcregs.StatusUICCommandReady == 0 {
		return ErrNotReady
	}

	if ch.active != nil {
		log.Panicf("%s: link-control command already active", ch.name)
	}

	cmd.active = true
	ch.active = cmd

	ch.regs.Write32(hcregs.RegUICCommandArg1, cmd.Arg1)
	ch.regs.Write32(hcregs.RegUICCommandArg2, cmd.Arg2)
	ch.regs.Write32(hcregs.RegUICCommandArg3, cmd.Arg3)
	ch.regs.Write32(hcregs.RegUICCommand, uint32(cmd.Opcode))

	ch.InvokeHook(hooking.HookCtx{
		Domain: ch,
		Pos:    HookPosCmdIssue,
		Item:   cmd,
	})

	return nil
}

// waitSimple blocks until the command-complete indication fires or the
// timeout elapses. A timed-out wait re-checks whether a late interrupt
// already delivered the result and salvages it instead of reporting a
// spurious failure.
func (ch *Channel) waitSimple(cmd *Command) (uint32, error) {
	var err error

	select {
	case <-cmd.done:
	case <-time.After(ch.timeout):
		ch.mu.Lock()
		late := !cmd.active
		ch.mu.Unlock()

		if late {
			log.Printf("%s: command 0x%02x completed after timeout, salvaging result",
				ch.name, uint32(cmd.Opcode))
		} else {
			err = ErrTimeout
		}
	}

	ch.mu.Lock()
	ch.active = nil
	ch.mu.Unlock()

	if err != nil {
		return 0, err
	}

	ch.InvokeHook(hooking.HookCtx{
		Domain: ch,
		Pos:    HookPosCmdComplete,
		Item:   cmd,
	})

	if code := cmd.resultCode(); code != 0 {
		return 0, &CommandError{Opcode: cmd.Opcode, Code: code}
	}

	return cmd.Arg3, nil
}

// waitPowerStatus blocks until the power-status indication fires, then
// validates the power mode change request status.
func (ch *Channel) waitPowerStatus(cmd *Command) error {
	select {
	case <-ch.asyncDone:
	case <-time.After(ch.timeout):
		ch.mu.Lock()
		late := !cmd.active
		ch.mu.Unlock()

		if !late {
			return ErrTimeout
		}
		log.Printf("%s: power mode change 0x%02x completed after timeout, checking status",
			ch.name, uint32(cmd.Opcode))
	}

	status := hcregs.UPMCRS(ch.regs.Read32(hcregs.RegControllerStatus))
	if status != hcregs.PwrLocal {
		return &PowerModeError{Opcode: cmd.Opcode, Status: status}
	}

	ch.InvokeHook(hooking.HookCtx{
		Domain: ch,
		Pos:    HookPosCmdComplete,
		Item:   cmd,
	})

	return nil
}

// HandleInterrupt reconciles link-control completion indications from
// one interrupt status snapshot. It reports whether any indication was
// consumed.
func (ch *Channel) HandleInterrupt(intrStatus uint32) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	handled := false

	if intrStatus&hcregs.IntrUICCommandCompl != 0 && ch.active != nil {
		ch.active.Arg2 |= ch.regs.Read32(hcregs.RegUICCommandArg2) &
			MaskCommandResult
		ch.active.Arg3 = ch.regs.Read32(hcregs.RegUICCommandArg3)
		if ch.asyncDone == nil {
			ch.active.active = false
		}
		ch.active.signalDone()
		handled = true
	}

	if intrStatus&hcregs.IntrUICPowerMask != 0 && ch.asyncDone != nil {
		if ch.active != nil {
			ch.active.active = false
		}
		select {
		case ch.asyncDone <- struct{}{}:
		default:
		}
		handled = true
	}

	return handled
}
