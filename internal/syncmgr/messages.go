package syncmgr

// MessageType identifies the type of message sent to the manager loop
type MessageType int

const (
	// Sent when an athlete needs a refresh outside its schedule
	MsgRefresh MessageType = iota

	// Sent after a job's bookkeeping is saved
	MsgJobFinished

	// Sent when an athlete is enabled, disabled or added
	MsgAthleteChanged
)

func (t MessageType) String() string {
	switch t {
	case MsgRefresh:
		return "Refresh"
	case MsgJobFinished:
		return "JobFinished"
	case MsgAthleteChanged:
		return "AthleteChanged"
	default:
		return "Unknown"
	}
}

// Message wakes the manager loop
type Message struct {
	Type      MessageType
	AthleteID int64
	JobID     string
	Err       error
}
