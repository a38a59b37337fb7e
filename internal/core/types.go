package core

import "time"

// Role identifies who authored a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// CallRecord is one audited capability call.
type CallRecord struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CapabilityUsage tracks a capability's daily usage for one caller.
type CapabilityUsage struct {
	Count       int          `json:"count"`
	Limit       int          `json:"limit"`
	WindowStart int64        `json:"window_start"`
	CallLog     []CallRecord `json:"call_log,omitempty"`
}

// QuotaRecord holds every capability usage counter for one caller identity.
type QuotaRecord struct {
	Key          string                      `json:"key"`
	Capabilities map[string]*CapabilityUsage `json:"capabilities"`
}

// Usage returns the usage entry for a capability, or nil.
func (r *QuotaRecord) Usage(capability string) *CapabilityUsage {
	if r == nil || r.Capabilities == nil {
		return nil
	}
	return r.Capabilities[capability]
}

// SetUsage stores the usage entry for a capability.
func (r *QuotaRecord) SetUsage(capability string, usage *CapabilityUsage) {
	if r.Capabilities == nil {
		r.Capabilities = make(map[string]*CapabilityUsage)
	}
	r.Capabilities[capability] = usage
}

// Clone returns a deep copy so mutations never leak into a caller's snapshot.
func (r *QuotaRecord) Clone() *QuotaRecord {
	if r == nil {
		return nil
	}
	out := &QuotaRecord{Key: r.Key, Capabilities: make(map[string]*CapabilityUsage, len(r.Capabilities))}
	for name, usage := range r.Capabilities {
		if usage == nil {
			continue
		}
		copied := *usage
		copied.CallLog = append([]CallRecord(nil), usage.CallLog...)
		out.Capabilities[name] = &copied
	}
	return out
}

// ToolCallRecord is a tool invocation captured in a transcript.
type ToolCallRecord struct {
	ID     string         `json:"id" yaml:"id"`
	Name   string         `json:"name" yaml:"name"`
	Args   map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	Result map[string]any `json:"result,omitempty" yaml:"result,omitempty"`
}

// Transcript is the durable record of what a user was shown for one turn.
type Transcript struct {
	ID        string           `json:"id" yaml:"id"`
	TurnID    string           `json:"turn_id" yaml:"turn_id"`
	SessionID string           `json:"session_id" yaml:"session_id"`
	Role      Role             `json:"role" yaml:"role"`
	Content   string           `json:"content" yaml:"content"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	Partial   bool             `json:"partial,omitempty" yaml:"partial,omitempty"`
	CreatedAt time.Time        `json:"created_at" yaml:"created_at"`
}

// QuoteRequest is a lead captured by the quote capability.
type QuoteRequest struct {
	ID        string    `json:"id"`
	CallerKey string    `json:"caller_key"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Contact   string    `json:"contact"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}
