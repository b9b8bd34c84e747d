package eventbus

// Event types published by the relay engine. Subscribers filter on these.
const (
	TypeClientSubscribed   = "client.subscribed"
	TypeClientUnsubscribed = "client.unsubscribed"
	TypeTrackEvicted       = "track.evicted"
)

// ClientEvent accompanies client.subscribed / client.unsubscribed.
type ClientEvent struct {
	Facility string `json:"facility"`
	ClientID string `json:"client_id"`
}

// EvictEvent accompanies track.evicted.
type EvictEvent struct {
	Facility string `json:"facility"`
	TrackNum string `json:"trackNum"`
	AgeSec   int64  `json:"ageSec"`
}
