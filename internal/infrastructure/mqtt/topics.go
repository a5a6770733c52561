package mqtt

import (
	"fmt"
	"strings"
)

// Topics builds the object-model topics of one Fingerprint module.
//
// All topics live under {prefix}/{module_id}:
//
//	fingerprint/fp-001/state/RunState         retained state node
//	fingerprint/fp-001/capabilities/Resolution retained capability
//	fingerprint/fp-001/command/add_part        method invocation
//	fingerprint/fp-001/ack/add_part            acceptance acknowledgment
type Topics struct {
	base string
}

// NewTopics returns the topic builder for a module.
func NewTopics(prefix, moduleID string) Topics {
	return Topics{base: strings.TrimSuffix(prefix, "/") + "/" + moduleID}
}

// Base returns {prefix}/{module_id}.
func (t Topics) Base() string {
	return t.base
}

// State returns the retained topic of a DeviceState field.
//
// Example: fingerprint/fp-001/state/RunState
func (t Topics) State(field string) string {
	return fmt.Sprintf("%s/state/%s", t.base, field)
}

// Capability returns the retained topic of a capability.
func (t Topics) Capability(name string) string {
	return fmt.Sprintf("%s/capabilities/%s", t.base, name)
}

// Property returns the retained topic of a property.
func (t Topics) Property(name string) string {
	return fmt.Sprintf("%s/properties/%s", t.base, name)
}

// Command returns the topic clients publish invocations of a command to.
func (t Topics) Command(name string) string {
	return fmt.Sprintf("%s/command/%s", t.base, name)
}

// Ack returns the acknowledgment topic of a command.
func (t Topics) Ack(name string) string {
	return fmt.Sprintf("%s/ack/%s", t.base, name)
}

// Abort returns the topic that aborts the in-flight command.
func (t Topics) Abort() string {
	return t.base + "/abort"
}

// EventFinished returns the topic of CommandFinished events.
func (t Topics) EventFinished() string {
	return t.base + "/event/finished"
}

// Health returns the retained health topic. It also carries the LWT.
func (t Topics) Health() string {
	return t.base + "/health"
}

// AllState returns a pattern matching every state node.
func (t Topics) AllState() string {
	return t.base + "/state/+"
}

// AllCommands returns a pattern matching every command topic.
func (t Topics) AllCommands() string {
	return t.base + "/command/+"
}

// CommandName extracts the command name from a command topic.
func (t Topics) CommandName(topic string) (string, bool) {
	name, ok := strings.CutPrefix(topic, t.base+"/command/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
