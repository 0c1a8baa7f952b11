package models

// PairingEvent is one row of the local pairing history.
type PairingEvent struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	PeerName    string `json:"peer_name"`
	PeerUser    string `json:"peer_user"`
	PeerAddress string `json:"peer_address"`
	KeyComment  string `json:"key_comment"`
	Outcome     string `json:"outcome"`
	Details     string `json:"details"`
	Timestamp   int64  `json:"timestamp"`
}
