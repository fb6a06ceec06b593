package domain

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"

	// StatusReceived marks inbound messages; it sits outside the outbound lattice.
	StatusReceived MessageStatus = "received"
)

var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

func (s MessageStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed || s == StatusReceived
}

// Terminal reports whether no later status can be applied.
func (s MessageStatus) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// CheckTransition validates moving a message from one status to another.
// Forward moves along pending < sent < delivered < read are accepted, failed is
// reachable from pending and sent only and nothing leaves failed.
// Re-applying the current status returns ErrStatusUnchanged.
func CheckTransition(from, to MessageStatus) error {
	if from == to {
		return ErrStatusUnchanged
	}
	if from == StatusFailed {
		return ErrInvalidTransition
	}
	if to == StatusFailed {
		if from == StatusPending || from == StatusSent {
			return nil
		}
		return ErrInvalidTransition
	}
	fr, ok := statusRank[from]
	if !ok {
		return ErrInvalidTransition
	}
	tr, ok := statusRank[to]
	if !ok {
		return ErrInvalidTransition
	}
	if tr <= fr {
		return ErrInvalidTransition
	}
	return nil
}
