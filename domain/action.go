package domain

// Action names a change requested by the task forms in the UI.
type Action string

const (
	ActionToggle Action = "toggle"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the known form actions.
func (a Action) Valid() bool {
	switch a {
	case ActionToggle, ActionEdit, ActionDelete:
		return true
	}
	return false
}
