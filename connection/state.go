package connection

import "github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"

var transitions = map[registry.State][]registry.State{
	registry.Disconnected: {registry.Discovering},
	registry.Discovering:  {registry.Connecting, registry.Reconnecting, registry.Disconnected},
	registry.Connecting:   {registry.Handshaking, registry.Reconnecting, registry.Disconnected},
	registry.Handshaking:  {registry.Connected, registry.Reconnecting, registry.Disconnected},
	registry.Connected:    {registry.Streaming, registry.Reconnecting, registry.Disconnected},
	registry.Streaming:    {registry.Degraded, registry.Reconnecting, registry.Disconnected},
	registry.Degraded:     {registry.Streaming, registry.Reconnecting, registry.Disconnected},
	registry.Reconnecting: {registry.Connecting, registry.Disconnected},
	registry.Failed:       {registry.Discovering, registry.Disconnected},
}

// ValidTransition reports whether a device may move from one state to
// another. Any state may move to Failed.
func ValidTransition(from, to registry.State) bool {
	if to == registry.Failed {
		return from != registry.Failed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// pathToConnected lists the states a device passes through from its current
// state to Connected once a valid handshake has arrived.
func pathToConnected(from registry.State) []registry.State {
	switch from {
	case registry.Disconnected, registry.Failed:
		return []registry.State{registry.Discovering, registry.Connecting, registry.Handshaking, registry.Connected}
	case registry.Discovering:
		return []registry.State{registry.Connecting, registry.Handshaking, registry.Connected}
	case registry.Connecting:
		return []registry.State{registry.Handshaking, registry.Connected}
	case registry.Handshaking:
		return []registry.State{registry.Connected}
	case registry.Reconnecting:
		return []registry.State{registry.Connecting, registry.Handshaking, registry.Connected}
	default:
		// a live device replacing its link goes through a reconnect
		return []registry.State{registry.Reconnecting, registry.Connecting, registry.Handshaking, registry.Connected}
	}
}
