package security

// ActionType is what the engine does about a detection. When multiple actions
// fire, the most restrictive wins.
type ActionType string

const (
	ActionNone       ActionType = ""
	ActionLog        ActionType = "log"
	ActionAlert      ActionType = "alert"
	ActionRedact     ActionType = "redact"
	ActionThrottle   ActionType = "throttle"
	ActionQuarantine ActionType = "quarantine"
	ActionBlock      ActionType = "block"
	ActionKill       ActionType = "kill"
)

var restrictiveness = map[ActionType]int{
	ActionNone:       0,
	ActionLog:        1,
	ActionAlert:      2,
	ActionRedact:     3,
	ActionThrottle:   4,
	ActionQuarantine: 5,
	ActionBlock:      6,
	ActionKill:       7,
}

func MostRestrictive(a, b ActionType) ActionType {
	if restrictiveness[b] > restrictiveness[a] {
		return b
	}
	return a
}

// Blocking reports whether an action denies or terminates the request.
func (a ActionType) Blocking() bool {
	return a == ActionBlock || a == ActionQuarantine || a == ActionKill
}
