// Package control models the control channel's wire shape: a tree of
// named parameters carrying scalars, strings, arrays, and nested trees
// (spec.md §6). The same map shape is produced whether a message arrives
// as decoded JSON, decoded YAML (sigs.k8s.io/yaml, used by
// internal/config for the bootstrap file), or is built directly in tests
// and in-process callers.
package control

// Message is one tree of named parameters.
type Message map[string]interface{}

// NewReply returns an empty reply message.
func NewReply() Message { return Message{} }

// SetError attaches the control-plane error convention (spec.md §7:
// "Control-plane errors are attached to the reply as error=<text>").
func (m Message) SetError(err error) Message {
	if err != nil {
		m["error"] = err.Error()
	}
	return m
}

// String returns the string at key, or "" with ok=false.
func (m Message) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Uint64 returns the value at key coerced to uint64, accepting any
// numeric decode shape a JSON/YAML unmarshal can produce.
func (m Message) Uint64(key string) (uint64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return toUint64(v)
}

// Bool returns the bool at key.
func (m Message) Bool(key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Sub returns the nested Message at key.
func (m Message) Sub(key string) (Message, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case Message:
		return t, true
	case map[string]interface{}:
		return Message(t), true
	default:
		return nil, false
	}
}

// Uint64Slice returns the array at key as a []uint64.
func (m Message) Uint64Slice(key string) ([]uint64, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case []uint64:
		return t, true
	case []interface{}:
		out := make([]uint64, len(t))
		for i, e := range t {
			n, ok := toUint64(e)
			if !ok {
				return nil, false
			}
			out[i] = n
		}
		return out, true
	default:
		return nil, false
	}
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case float64:
		return uint64(n), true
	case uint:
		return uint64(n), true
	default:
		return 0, false
	}
}
