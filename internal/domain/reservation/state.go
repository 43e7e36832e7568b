package reservation

import (
	"encoding/json"
	"fmt"
)

// State は予約の状態を表す
type State uint8

const (
	StateHeld State = iota + 1
	StateConfirmed
	StateExpired
	StateCancelled
)

var stateNames = map[State]string{
	StateHeld:      "held",
	StateConfirmed: "confirmed",
	StateExpired:   "expired",
	StateCancelled: "cancelled",
}

// ParseState は文字列表現から State を得る
func ParseState(s string) (State, error) {
	for st, name := range stateNames {
		if name == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownState, s)
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// IsTerminal は終端状態かを返す
func (s State) IsTerminal() bool {
	switch s {
	case StateConfirmed, StateExpired, StateCancelled:
		return true
	default:
		return false
	}
}

// IsActive はリソースキーを占有する状態かを返す
func (s State) IsActive() bool {
	return s == StateHeld || s == StateConfirmed
}

// CanTransitionTo は s から next への遷移が許可されているかを返す
// 許可される遷移は Held → Confirmed / Expired / Cancelled のみ
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StateHeld:
		switch next {
		case StateConfirmed, StateExpired, StateCancelled:
			return true
		default:
			return false
		}
	case StateConfirmed, StateExpired, StateCancelled:
		return false
	default:
		return false
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, uint8(s))
	}
	return json.Marshal(name)
}

func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	st, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Event は通知イベントの種類
type Event string

const (
	EventConfirmed Event = "confirmed"
	EventCancelled Event = "cancelled"
	EventExpired   Event = "expired"
)

// EventFor は終端状態に対応する通知イベントを返す
func EventFor(s State) (Event, bool) {
	switch s {
	case StateConfirmed:
		return EventConfirmed, true
	case StateCancelled:
		return EventCancelled, true
	case StateExpired:
		return EventExpired, true
	default:
		return "", false
	}
}
