package runtime

// Runtime event names.
const (
	EventContentStart     = "content_block:start"
	EventContentDelta     = "content_block:delta"
	EventContentEnd       = "content_block:end"
	EventThinkingDelta    = "thinking:delta"
	EventThinkingFinal    = "thinking:final"
	EventToolPre          = "tool:pre"
	EventToolPost         = "tool:post"
	EventToolError        = "tool:error"
	EventLLMResponse      = "llm:response"
	EventProviderPost     = "provider:post"
	EventOrchestratorDone = "orchestrator:complete"
	EventCancelRequested  = "cancel:requested"
	EventCancelCompleted  = "cancel:completed"

	EventDelegateSpawned   = "delegate:agent_spawned"
	EventDelegateCompleted = "delegate:agent_completed"
	EventDelegateFailed    = "delegate:agent_failed"
	EventSessionFork       = "session:fork"

	// Events produced by tether itself rather than the runtime.
	EventTurnComplete    = "turn:complete"
	EventDisplayMessage  = "display_message"
	EventApprovalRequest = "approval_request"
	EventBundleReloaded  = "bundle:reloaded"
)

// AllEvents is the general taxonomy a runtime emits.
var AllEvents = []string{
	EventContentStart,
	EventContentDelta,
	EventContentEnd,
	EventThinkingDelta,
	EventThinkingFinal,
	EventToolPre,
	EventToolPost,
	EventToolError,
	EventLLMResponse,
	EventProviderPost,
	EventOrchestratorDone,
	EventCancelRequested,
	EventCancelCompleted,
}

// DelegateEvents are sub-session lifecycle events, declared separately
// from AllEvents.
var DelegateEvents = []string{
	EventDelegateSpawned,
	EventDelegateCompleted,
	EventDelegateFailed,
	EventSessionFork,
}

// BridgeEvents returns the union of AllEvents and DelegateEvents with
// duplicates removed, preserving order. A runtime that folds delegate
// events into its general taxonomy therefore still gets one subscription
// per name.
func BridgeEvents() []string {
	seen := make(map[string]bool, len(AllEvents)+len(DelegateEvents))
	out := make([]string, 0, len(AllEvents)+len(DelegateEvents))
	for _, set := range [][]string{AllEvents, DelegateEvents} {
		for _, name := range set {
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
