package recording

import (
	"time"

	"github.com/rs/xid"
	"github.com/sarchlab/storhc/hooking"
	"github.com/sarchlab/storhc/hostctl"
)

// Table names used by the host recorder.
const (
	ErrorTable    = "error_history"
	CommandTable  = "command_trace"
	StateTable    = "run_state"
	RecoveryTable = "recovery_runs"
)

// An ErrorRow mirrors one error history update.
type ErrorRow struct {
	ID    string
	Host  string
	Layer string
	Value uint32
	At    int64
}

// A CommandRow records one completed transfer command.
type CommandRow struct {
	ID     string
	Host   string
	Tag    int
	OCS    uint32
	Result string
	At     int64
}

// A StateRow records one run state transition.
type StateRow struct {
	ID    string
	Host  string
	State string
	At    int64
}

// A RecoveryRow records the start or end of one recovery run.
type RecoveryRow struct {
	ID    string
	Host  string
	Event string
	At    int64
}

// A HostRecorder mirrors the observable behavior of one or more hosts
// into a Recorder. It implements hooking.Hook so it can be attached
// directly.
type HostRecorder struct {
	rec Recorder
}

// NewHostRecorder creates the tables and returns a recorder ready to
// be attached.
func NewHostRecorder(rec Recorder) *HostRecorder {
	rec.CreateTable(ErrorTable, ErrorRow{})
	rec.CreateTable(CommandTable, CommandRow{})
	rec.CreateTable(StateTable, StateRow{})
	rec.CreateTable(RecoveryTable, RecoveryRow{})

	return &HostRecorder{rec: rec}
}

// Attach hooks the recorder into a built host. The error sink must be
// wired at build time with ErrorSink instead, since the histories are
// created together with the host.
func (r *HostRecorder) Attach(h *hostctl.Host) {
	h.AcceptHook(r)
}

// ErrorSink returns the sink to pass to the host builder.
func (r *HostRecorder) ErrorSink(hostName string) hostctl.ErrSink {
	return func(layer string, value uint32, at time.Time) {
		r.rec.InsertData(ErrorTable, ErrorRow{
			ID:    xid.New().String(),
			Host:  hostName,
			Layer: layer,
			Value: value,
			At:    at.UnixNano(),
		})
	}
}

// Func implements hooking.Hook.
func (r *HostRecorder) Func(ctx hooking.HookCtx) {
	host, ok := ctx.Domain.(*hostctl.Host)
	if !ok {
		return
	}

	now := time.Now().UnixNano()

	switch ctx.Pos {
	case hostctl.HookPosCmdComplete:
		tag, _ := ctx.Item.(int)
		res, _ := ctx.Detail.(hostctl.Result)
		r.rec.InsertData(CommandTable, CommandRow{
			ID:     xid.New().String(),
			Host:   host.Name(),
			Tag:    tag,
			OCS:    res.OCS,
			Result: res.Code.String(),
			At:     now,
		})

	case hostctl.HookPosRunStateChange:
		state, _ := ctx.Item.(hostctl.RunState)
		r.rec.InsertData(StateTable, StateRow{
			ID:    xid.New().String(),
			Host:  host.Name(),
			State: state.String(),
			At:    now,
		})

	case hostctl.HookPosRecoveryStart:
		r.rec.InsertData(RecoveryTable, RecoveryRow{
			ID:    xid.New().String(),
			Host:  host.Name(),
			Event: "start",
			At:    now,
		})

	case hostctl.HookPosRecoveryEnd:
		r.rec.InsertData(RecoveryTable, RecoveryRow{
			ID:    xid.New().String(),
			Host:  host.Name(),
			Event: "end",
			At:    now,
		})
	}
}
