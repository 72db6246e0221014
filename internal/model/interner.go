package model

// StringInterner maps byte strings to dense, stable StringIDs. Ids are
// valid for the lifetime of the Data that owns the interner.
type StringInterner struct {
	ids     map[string]StringID
	strings []string
}

// NewStringInterner returns an empty interner.
func NewStringInterner() *StringInterner {
	return &StringInterner{ids: make(map[string]StringID)}
}

// Intern returns the id for s, assigning a new one on first sight.
func (in *StringInterner) Intern(s string) StringID {
	if id, ok := in.ids[s]; ok {
		return id
	}
	id := StringID(len(in.strings))
	in.strings = append(in.strings, s)
	in.ids[s] = id
	return id
}

// InternOptional interns s unless it is empty, in which case it returns
// the invalid sentinel.
func (in *StringInterner) InternOptional(s string) StringID {
	if s == "" {
		return InvalidStringID
	}
	return in.Intern(s)
}

// Get returns the string for id; the invalid sentinel yields "".
func (in *StringInterner) Get(id StringID) string {
	if !id.IsValid() || int(id) >= len(in.strings) {
		return ""
	}
	return in.strings[id]
}

// Len returns the number of interned strings.
func (in *StringInterner) Len() int { return len(in.strings) }
