package bus

// Management actions understood by the Threat Bus management endpoint.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionHeartbeat   = "heartbeat"
	ActionSnapshot    = "snapshot"

	StatusSuccess = "success"
	StatusError   = "error"
)

// Subject suffixes of messages published on a peer-to-peer topic.
const (
	SuffixIndicator = "indicator"
	SuffixSnapshot  = "snapshot"
)

// ManageRequest is sent on the management subject.
type ManageRequest struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
	// Snapshot is the requested lookback in seconds.
	Snapshot   int    `json:"snapshot,omitempty"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// ManageReply answers a ManageRequest. On a successful subscribe Topic holds
// the peer-to-peer topic the subscriber must listen on.
type ManageReply struct {
	Status string `json:"status"`
	Topic  string `json:"topic,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SnapshotDone is published on `<topic>.snapshot` after the bus has
// redelivered every indicator of a snapshot.
type SnapshotDone struct {
	SnapshotID string `json:"snapshot_id"`
	Count      int    `json:"count"`
}

func (r ManageReply) ok() bool { return r.Status == StatusSuccess }
