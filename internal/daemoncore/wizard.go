package daemoncore

import (
	"fmt"
	"sync"
	"time"
)

// Phase is one stage of the setup wizard.
type Phase string

const (
	PhaseDetecting      Phase = "detecting"
	PhaseModeSelect     Phase = "mode_select"
	PhaseAdvancedConfig Phase = "advanced_config"
	PhaseConfirming     Phase = "confirming"
	PhaseRunning        Phase = "running"
	PhasePasscodeSetup  Phase = "passcode_setup"
	PhaseFinalizing     Phase = "finalizing"
	PhaseComplete       Phase = "complete"
)

// Step is one idempotent unit of work the running phase executes in
// order. A failed step marks the phase errored; the wizard does not
// advance past it.
type Step string

const (
	StepPrerequisites       Step = "prerequisites"
	StepDetect              Step = "detect"
	StepConfigure           Step = "configure"
	StepCreateGroups        Step = "create-groups"
	StepCreateAgentUser     Step = "create-agent-user"
	StepCreateBrokerUser    Step = "create-broker-user"
	StepCreateDirectories   Step = "create-directories"
	StepSetupSocket         Step = "setup-socket"
	StepInstallHomebrew     Step = "install-homebrew"
	StepInstallNVM          Step = "install-nvm"
	StepConfigureShell      Step = "configure-shell"
	StepInstallWrappers     Step = "install-wrappers"
	StepGenerateSeatbelt    Step = "generate-seatbelt"
	StepInstallBroker       Step = "install-broker"
	StepInstallDaemonConfig Step = "install-daemon-config"
	StepInstallPolicies     Step = "install-policies"
	StepSetupLaunchdaemon   Step = "setup-launchdaemon"
	StepInstallOpenclaw     Step = "install-openclaw"
	StepCopyOpenclawConfig  Step = "copy-openclaw-config"
	StepStopHostOpenclaw    Step = "stop-host-openclaw"
	StepOnboardOpenclaw     Step = "onboard-openclaw"
	StepVerify              Step = "verify"
	StepStartOpenclaw       Step = "start-openclaw"
	StepSetupPasscode       Step = "setup-passcode"
	StepOpenDashboard       Step = "open-dashboard"
	StepComplete            Step = "complete"
)

// RunningSteps is the ordered sequence the "running" phase executes.
var RunningSteps = []Step{
	StepPrerequisites, StepDetect, StepConfigure, StepCreateGroups,
	StepCreateAgentUser, StepCreateBrokerUser, StepCreateDirectories,
	StepSetupSocket, StepInstallHomebrew, StepInstallNVM, StepConfigureShell,
	StepInstallWrappers, StepGenerateSeatbelt, StepInstallBroker,
	StepInstallDaemonConfig, StepInstallPolicies, StepSetupLaunchdaemon,
	StepInstallOpenclaw, StepCopyOpenclawConfig, StepStopHostOpenclaw,
	StepOnboardOpenclaw, StepVerify, StepStartOpenclaw, StepSetupPasscode,
	StepOpenDashboard, StepComplete,
}

// StepResult is what one step handler reports back.
type StepResult struct {
	Success bool
	Error   string
}

// StepFunc performs one step's work.
type StepFunc func() StepResult

// Wizard tracks the setup state machine's current phase, the running
// phase's step cursor, and whether it has errored.
type Wizard struct {
	mu          sync.Mutex
	phase       Phase
	stepIndex   int
	errored     bool
	errorDetail string
	events      *Broadcaster
	steps       map[Step]StepFunc
}

// NewWizard starts a Wizard in the detecting phase.
func NewWizard(events *Broadcaster) *Wizard {
	return &Wizard{phase: PhaseDetecting, events: events, steps: map[Step]StepFunc{}}
}

// RegisterStep wires a step's handler. Steps without a registered handler
// default to an immediate success, so partial wiring during development
// never blocks progress through the sequence.
func (w *Wizard) RegisterStep(step Step, fn StepFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.steps[step] = fn
}

// Phase returns the current phase.
func (w *Wizard) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// Advance moves the wizard to the given phase, provided the transition is
// one of the allowed ones in the state machine.
func (w *Wizard) Advance(to Phase) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !allowedTransition(w.phase, to) {
		return fmt.Errorf("invalid wizard transition %s -> %s", w.phase, to)
	}
	w.phase = to
	if to == PhaseRunning {
		w.stepIndex = 0
		w.errored = false
	}
	w.emit("wizard:phase", map[string]string{"phase": string(to)})
	return nil
}

func allowedTransition(from, to Phase) bool {
	switch from {
	case PhaseDetecting:
		return to == PhaseModeSelect || to == PhaseAdvancedConfig
	case PhaseModeSelect, PhaseAdvancedConfig:
		return to == PhaseConfirming
	case PhaseConfirming:
		return to == PhaseRunning
	case PhaseRunning:
		return to == PhasePasscodeSetup
	case PhasePasscodeSetup:
		return to == PhaseFinalizing
	case PhaseFinalizing:
		return to == PhaseComplete
	default:
		return false
	}
}

// RunNextStep executes the next step in RunningSteps, in order, only
// while the phase is "running" and the wizard hasn't already errored. A
// failed step marks the wizard errored and does not advance the cursor.
func (w *Wizard) RunNextStep() (Step, StepResult, bool) {
	w.mu.Lock()
	if w.phase != PhaseRunning || w.errored {
		w.mu.Unlock()
		return "", StepResult{}, false
	}
	if w.stepIndex >= len(RunningSteps) {
		w.mu.Unlock()
		return "", StepResult{}, false
	}
	step := RunningSteps[w.stepIndex]
	fn, ok := w.steps[step]
	w.mu.Unlock()

	var result StepResult
	if ok {
		result = fn()
	} else {
		result = StepResult{Success: true}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if result.Success {
		w.stepIndex++
	} else {
		w.errored = true
		w.errorDetail = result.Error
	}
	w.emit("wizard:step", map[string]interface{}{
		"step": string(step), "success": result.Success, "error": result.Error,
	})
	return step, result, true
}

// Errored reports whether the running phase hit a failed step.
func (w *Wizard) Errored() (bool, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errored, w.errorDetail
}

func (w *Wizard) emit(eventType string, data interface{}) {
	if w.events == nil {
		return
	}
	w.events.Publish(eventType, data)
}

// Snapshot is the JSON-facing view of the wizard's current state.
type Snapshot struct {
	Phase     Phase  `json:"phase"`
	StepIndex int    `json:"step_index"`
	Errored   bool   `json:"errored"`
	Error     string `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot returns the wizard's current state for API consumers.
func (w *Wizard) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		Phase:     w.phase,
		StepIndex: w.stepIndex,
		Errored:   w.errored,
		Error:     w.errorDetail,
		Timestamp: time.Now(),
	}
}
