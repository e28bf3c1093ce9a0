package state

// ErrorCode classifies failures the store records instead of raising.
type ErrorCode string

const (
	ErrCodeInit        ErrorCode = "STATE_INIT_ERROR"
	ErrCodeUpdate      ErrorCode = "STATE_UPDATE_ERROR"
	ErrCodePersistence ErrorCode = "STATE_PERSISTENCE_ERROR"
	ErrCodeLoad        ErrorCode = "STATE_LOAD_ERROR"
	ErrCodeReset       ErrorCode = "STATE_RESET_ERROR"
)

// errorRingCap bounds the in-memory error ring; the oldest entry is dropped
// past the cap.
const errorRingCap = 50

// ErrorEntry is one recorded store failure, surfaced under the "errors"
// state key so consumers can subscribe to it like any other state.
type ErrorEntry struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Timestamp int64     `json:"timestamp"`
}

func (e ErrorEntry) asValue() map[string]any {
	return map[string]any{
		"code":      string(e.Code),
		"message":   e.Message,
		"timestamp": float64(e.Timestamp),
	}
}
