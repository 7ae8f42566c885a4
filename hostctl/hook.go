package hostctl

import "github.com/sarchlab/storhc/hooking"

// Hook positions on the host controller.
var (
	// HookPosCmdSubmit triggers right before a transfer doorbell bit
	// is written. Item is the slot tag.
	HookPosCmdSubmit = &hooking.HookPos{Name: "CmdSubmit"}

	// HookPosCmdComplete triggers when a completed transfer command is
	// reconciled. Item is the slot tag, Detail the Result.
	HookPosCmdComplete = &hooking.HookPos{Name: "CmdComplete"}

	// HookPosTaskSubmit triggers before a task management doorbell bit
	// is written. Item is the task slot index.
	HookPosTaskSubmit = &hooking.HookPos{Name: "TaskSubmit"}

	// HookPosRunStateChange triggers on every run state transition.
	// Item is the new RunState.
	HookPosRunStateChange = &hooking.HookPos{Name: "RunStateChange"}

	// HookPosRecoveryStart and HookPosRecoveryEnd bracket one run of
	// the recovery worker.
	HookPosRecoveryStart = &hooking.HookPos{Name: "RecoveryStart"}
	HookPosRecoveryEnd   = &hooking.HookPos{Name: "RecoveryEnd"}

	// HookPosExceptionEvent triggers when a response carried the
	// exception alert bit.
	HookPosExceptionEvent = &hooking.HookPos{Name: "ExceptionEvent"}
)
