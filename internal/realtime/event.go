// Package realtime owns the single authenticated event connection of a
// session: connection state, the reconnect policy and inbound handler
// registration.
package realtime

import "encoding/json"

// Event is the wire envelope in both directions.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Local lifecycle events, dispatched through the same registry as server events.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Server -> client
const (
	EventReceiveMessage       = "receiveMessage"
	EventNearbyUsersUpdate    = "nearbyUsersUpdate"
	EventLocationUpdated      = "locationUpdated"
	EventEmergencyAlert       = "emergencyAlert"
	EventGroupUpdated         = "groupUpdated"
	EventGroupDeleted         = "groupDeleted"
	EventUserAddedToGroup     = "userAddedToGroup"
	EventUserRemovedFromGroup = "userRemovedFromGroup"
)

// Client -> server. emergencyAlert and locationUpdated travel both ways.
const (
	EventUpdateLocation = "updateLocation"
	EventSendMessage    = "sendMessage"
)
