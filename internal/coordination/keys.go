package coordination

import "strings"

// Key and topic formats below are a cross-process wire contract: every
// instance scanning or publishing must produce exactly these shapes, since
// the shared store is the only discovery mechanism between processes.

const (
	presencePrefix = "active_run:"
	topicPrefix    = "agent_run:"

	// StopMessage is the single-token cooperative cancellation signal.
	StopMessage = "STOP"
)

// PresenceKey marks that an instance is actively executing or polling a run.
func PresenceKey(instanceID, runID string) string {
	return presencePrefix + instanceID + ":" + runID
}

// PresencePattern matches the presence keys of every instance tracking runID.
func PresencePattern(runID string) string {
	return presencePrefix + "*:" + runID
}

// InstancePattern matches every presence key owned by one instance.
func InstancePattern(instanceID string) string {
	return presencePrefix + instanceID + ":*"
}

// ParsePresenceKey splits a presence key back into its owner and run.
func ParsePresenceKey(key string) (instanceID, runID string, ok bool) {
	rest, found := strings.CutPrefix(key, presencePrefix)
	if !found {
		return "", "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// ControlTopic is the global cancellation channel for a run.
func ControlTopic(runID string) string {
	return topicPrefix + runID + ":control"
}

// InstanceControlTopic targets one instance when several may poll the same run.
func InstanceControlTopic(runID, instanceID string) string {
	return ControlTopic(runID) + ":" + instanceID
}

// BufferKey holds the run's streamed output chunks.
func BufferKey(runID string) string {
	return topicPrefix + runID + ":buffer"
}

// AttemptsKey counts dispatch deliveries for a run. Informational only.
func AttemptsKey(runID string) string {
	return topicPrefix + runID + ":attempts"
}
