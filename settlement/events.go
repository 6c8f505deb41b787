package settlement

import "time"

// EventType names a committed state change.
type EventType string

const (
	EventPolicyPurchased EventType = "policy_purchased"
	EventPayoutReleased  EventType = "payout_released"
	EventTreasuryFunded  EventType = "treasury_funded"
	EventThresholdSet    EventType = "threshold_set"
	EventFeedUpdated     EventType = "feed_updated"
	EventRoleGranted     EventType = "role_granted"
	EventRoleRevoked     EventType = "role_revoked"
)

// Event describes a committed change for downstream consumers. Fields that
// do not apply to a type are left empty.
type Event struct {
	Type      EventType `json:"type"`
	Caller    Principal `json:"caller"`
	Principal Principal `json:"principal,omitempty"`
	PolicyID  PolicyID  `json:"policy_id,omitempty"`
	Role      Role      `json:"role,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Price     string    `json:"price,omitempty"`
	Balance   string    `json:"balance,omitempty"`
	At        time.Time `json:"at"`
}

// EventSink receives events after commit. Publish must not block the engine.
type EventSink interface {
	Publish(evt Event)
}
