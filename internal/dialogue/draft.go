package dialogue

// FormDraft holds the answers collected so far. Keys are exactly the field names
// of the session in field order; an empty value means not answered or skipped.
type FormDraft struct {
	names  []string
	values map[string]string
}

// NewFormDraft creates an empty draft for the given field names.
func NewFormDraft(names []string) FormDraft {
	d := FormDraft{
		names:  append([]string(nil), names...),
		values: make(map[string]string, len(names)),
	}
	for _, n := range names {
		d.values[n] = ""
	}
	return d
}

func draftFor(fields []FieldSpec) FormDraft {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return NewFormDraft(names)
}

// Get returns the value recorded for name.
func (d FormDraft) Get(name string) string {
	return d.values[name]
}

// Set records a value. Names outside the form are rejected.
func (d FormDraft) Set(name, value string) error {
	if _, ok := d.values[name]; !ok {
		return ErrUnknownField
	}
	d.values[name] = value
	return nil
}

// Clear empties every field.
func (d FormDraft) Clear() {
	for _, n := range d.names {
		d.values[n] = ""
	}
}

// Clone returns an independent copy.
func (d FormDraft) Clone() FormDraft {
	c := NewFormDraft(d.names)
	for k, v := range d.values {
		c.values[k] = v
	}
	return c
}

// Map returns a copy of the values keyed by field name.
func (d FormDraft) Map() map[string]string {
	m := make(map[string]string, len(d.values))
	for k, v := range d.values {
		m[k] = v
	}
	return m
}

// Names returns the field names in order.
func (d FormDraft) Names() []string {
	return append([]string(nil), d.names...)
}

// Entry is one name/value pair of a draft.
type Entry struct {
	Name  string
	Value string
}

// Entries returns the pairs in field order.
func (d FormDraft) Entries() []Entry {
	out := make([]Entry, len(d.names))
	for i, n := range d.names {
		out[i] = Entry{Name: n, Value: d.values[n]}
	}
	return out
}

// IsEmpty reports whether no field has a value.
func (d FormDraft) IsEmpty() bool {
	for _, v := range d.values {
		if v != "" {
			return false
		}
	}
	return true
}
