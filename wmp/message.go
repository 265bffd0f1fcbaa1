package wmp

// Identity is the decoded body of an ID response or discovery reply.
// GatewayName and Platform are only present in the extended 9-field form.
type Identity struct {
	Model       string `json:"model"`
	MAC         string `json:"mac"`
	IP          string `json:"ip"`
	Protocol    string `json:"protocol"`
	Version     string `json:"version"`
	RSSI        string `json:"rssi"`
	GatewayName string `json:"gatewayName,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

// Message is one decoded protocol message. Which fields are populated
// depends on Type: CHN and feature echoes carry Feature/Value, LIMITS
// carries Feature/Values, ID carries Identity, INFO carries Info lines.
// Unit is 0 when the message was not unit-qualified.
type Message struct {
	Type     string    `json:"type"`
	Unit     int       `json:"acNum,omitempty"`
	Feature  string    `json:"feature,omitempty"`
	Value    string    `json:"value,omitempty"`
	Values   []string  `json:"values,omitempty"`
	Info     []string  `json:"info,omitempty"`
	Identity *Identity `json:"id,omitempty"`
}

// IsNotification reports whether the message belongs to the notification
// path (feature change reports) rather than the request/response path.
func (m Message) IsNotification() bool {
	return m.Type == MsgChange
}

// Update is one feature change delivered to the session's event stream.
// StandbyMode carries the true mode as a shadow value when the off-mode
// overlay is active and the feature is MODE; it is empty otherwise.
type Update struct {
	Unit        int
	Feature     string
	Value       string
	StandbyMode string
}
