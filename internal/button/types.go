package button

// Config is a single button definition as stored by the button store.
// The JSON field names match the external config API.
type Config struct {
	ID             int    `json:"id"`
	Label          string `json:"label"`
	Command        string `json:"command"`
	Flags          string `json:"flags"`
	MonitorKeyword string `json:"monitor_keyword"`
}

// Variables holds the process-wide session variables referenced by command
// templates. Loaded at startup, mutated by variable edits and by resolver
// default seeding, written back only through the button store.
type Variables map[string]string

// Clone returns a shallow copy.
func (v Variables) Clone() Variables {
	out := make(Variables, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
