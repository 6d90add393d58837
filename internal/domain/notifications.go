package domain

import "time"

type NotificationLevel string

const (
	NotificationLevelInfo  NotificationLevel = "INFO"
	NotificationLevelError NotificationLevel = "ERROR"
)

type NotificationStatus string

const (
	NotificationStatusStart NotificationStatus = "start"
	NotificationStatusEnd   NotificationStatus = "end"
	NotificationStatusError NotificationStatus = "error"
)

// PowerSetNotification is emitted around every power action. It always
// reflects node state that has already been persisted.
type PowerSetNotification struct {
	ID               string             `json:"id"`
	NodeUUID         string             `json:"node_uuid"`
	Level            NotificationLevel  `json:"level"`
	Status           NotificationStatus `json:"status"`
	RequestedState   PowerState         `json:"requested_state"`
	PowerState       PowerState         `json:"power_state"`
	TargetPowerState PowerState         `json:"target_power_state,omitempty"`
	ProvisionState   ProvisionState     `json:"provision_state"`
	Timestamp        time.Time          `json:"timestamp"`
}

func (n PowerSetNotification) EventType() string {
	return "baremetal.node.power_set." + string(n.Status)
}
