package orchestrator

// Phase is a named state in the workflow state machine.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseDiscovery          Phase = "phase_0_discovery"
	PhaseArchitecture       Phase = "phase_1_architecture"
	PhaseSecurityFoundation Phase = "phase_2_security_foundation"
	PhaseFeatureLoop        Phase = "phase_3_feature_loop"
	PhaseFeaturePlanning    Phase = "feature_planning"
	PhaseFeatureImpl        Phase = "feature_implementation"
	PhaseFeatureReview      Phase = "feature_review"
	PhaseFeatureDone        Phase = "feature_done"
	PhaseGateEvaluation     Phase = "gate_evaluation"
	PhaseRemediation        Phase = "remediation"
	PhaseRemediationWork    Phase = "remediation_work"
	PhaseReleaseReview      Phase = "release_review"
	PhasePaused             Phase = "paused"
	PhaseReturnToCaller     Phase = "return_to_caller"
	PhaseReleased           Phase = "released"
	PhaseAborted            Phase = "aborted"
)

// Event names a transition in the phase graph.
type Event string

const (
	EventStart                Event = "start"
	EventDiscoveryComplete    Event = "discovery_complete"
	EventArchitectureComplete Event = "architecture_complete"
	EventSecurityComplete     Event = "security_complete"
	EventPlanFeature          Event = "plan_feature"
	EventPlanComplete         Event = "plan_complete"
	EventImplComplete         Event = "implementation_complete"
	EventReviewApproved       Event = "review_approved"
	EventReviewRejected       Event = "review_rejected"
	EventRemediationComplete  Event = "remediation_complete"
	EventNextFeature          Event = "next_feature"
	EventFeaturesComplete     Event = "features_complete"
	EventGatesPassed          Event = "gates_passed"
	EventGatesFailed          Event = "gates_failed"
	EventGatesSkipped         Event = "gates_skipped"
	EventRetryGates           Event = "retry_gates"
	EventReviewSynthesized    Event = "review_synthesized"
	EventReleaseApproved      Event = "release_approved"
	EventReleaseRejected      Event = "release_rejected"
	EventPause                Event = "pause"
	EventResume               Event = "resume"
	EventAbort                Event = "abort"
)

// transitions declares, per phase, the events it accepts and their targets.
// Terminal phases have no entry.
var transitions = map[Phase]map[Event]Phase{
	PhaseIdle: {
		EventStart: PhaseDiscovery,
	},
	PhaseDiscovery: {
		EventDiscoveryComplete: PhaseArchitecture,
	},
	PhaseArchitecture: {
		EventArchitectureComplete: PhaseSecurityFoundation,
	},
	PhaseSecurityFoundation: {
		EventSecurityComplete: PhaseFeatureLoop,
	},
	PhaseFeatureLoop: {
		EventPlanFeature: PhaseFeaturePlanning,
		EventPause:       PhasePaused,
	},
	PhaseFeaturePlanning: {
		EventPlanComplete: PhaseFeatureImpl,
	},
	PhaseFeatureImpl: {
		EventImplComplete: PhaseFeatureReview,
	},
	PhaseFeatureReview: {
		EventReviewApproved: PhaseFeatureDone,
		EventReviewRejected: PhaseRemediation,
	},
	PhaseRemediation: {
		EventRemediationComplete: PhaseFeatureDone,
	},
	PhaseFeatureDone: {
		EventNextFeature:      PhaseFeaturePlanning,
		EventFeaturesComplete: PhaseGateEvaluation,
	},
	PhaseGateEvaluation: {
		EventGatesPassed:  PhaseReleaseReview,
		EventGatesFailed:  PhaseRemediationWork,
		EventGatesSkipped: PhaseReleaseReview,
	},
	PhaseRemediationWork: {
		EventRetryGates: PhaseGateEvaluation,
	},
	PhaseReleaseReview: {
		EventReviewSynthesized: PhaseReturnToCaller,
	},
	PhaseReturnToCaller: {
		EventReleaseApproved: PhaseReleased,
		EventReleaseRejected: PhaseAborted,
	},
	PhasePaused: {
		EventResume: PhaseFeatureLoop,
	},
}

// phaseOrder indexes phases for the checkpoint's phase index.
var phaseOrder = []Phase{
	PhaseIdle,
	PhaseDiscovery,
	PhaseArchitecture,
	PhaseSecurityFoundation,
	PhaseFeatureLoop,
	PhaseFeaturePlanning,
	PhaseFeatureImpl,
	PhaseFeatureReview,
	PhaseFeatureDone,
	PhaseGateEvaluation,
	PhaseRemediation,
	PhaseRemediationWork,
	PhaseReleaseReview,
	PhasePaused,
	PhaseReturnToCaller,
	PhaseReleased,
	PhaseAborted,
}

// Index returns the phase's position in the canonical phase order, or -1.
func (p Phase) Index() int {
	for i, phase := range phaseOrder {
		if phase == p {
			return i
		}
	}
	return -1
}

// Terminal reports whether the phase has no outgoing transitions.
func (p Phase) Terminal() bool {
	return p == PhaseReleased || p == PhaseAborted
}

// Machine is the explicit phase state machine. Dispatching an event the
// current phase does not accept is a no-op.
type Machine struct {
	current Phase
}

// NewMachine starts a machine in the idle phase.
func NewMachine() *Machine {
	return &Machine{current: PhaseIdle}
}

// Current returns the current phase.
func (m *Machine) Current() Phase {
	return m.current
}

// Can reports whether the current phase accepts the event. Every
// non-terminal phase accepts abort.
func (m *Machine) Can(event Event) bool {
	if event == EventAbort {
		return !m.current.Terminal()
	}
	_, ok := transitions[m.current][event]
	return ok
}

// Dispatch applies the event if the current phase accepts it and reports
// whether a transition happened.
func (m *Machine) Dispatch(event Event) bool {
	if event == EventAbort {
		if m.current.Terminal() {
			return false
		}
		m.current = PhaseAborted
		return true
	}
	target, ok := transitions[m.current][event]
	if !ok {
		return false
	}
	m.current = target
	return true
}
