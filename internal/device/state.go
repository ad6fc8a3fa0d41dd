package device

// ConnectionState is the lifecycle state of one receiving session.
type ConnectionState int

const (
	Uninitialized ConnectionState = iota
	Initializing
	Connecting
	ServiceDiscovery
	NegotiatingMtu
	SubscribingNotifications
	Connected
	Disconnected
	Failed
)

var connectionStateNames = [...]string{
	Uninitialized:            "uninitialized",
	Initializing:             "initializing",
	Connecting:               "connecting",
	ServiceDiscovery:         "service_discovery",
	NegotiatingMtu:           "negotiating_mtu",
	SubscribingNotifications: "subscribing_notifications",
	Connected:                "connected",
	Disconnected:             "disconnected",
	Failed:                   "failed",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(connectionStateNames) {
		return "unknown"
	}
	return connectionStateNames[s]
}

// Terminal reports whether the state ends the session until a new start.
func (s ConnectionState) Terminal() bool {
	return s == Disconnected || s == Failed
}

// SettingUp reports whether the state belongs to the connection setup chain.
func (s ConnectionState) SettingUp() bool {
	switch s {
	case Connecting, ServiceDiscovery, NegotiatingMtu, SubscribingNotifications:
		return true
	}
	return false
}
