package frame

// ValueType enumerates the possible types of a user field value.
type ValueType int

const (
	ValueString ValueType = iota
	ValueBytes
	ValueInteger
	ValueDouble
	ValueBool
)

// FieldValue holds exactly one of the five possible representations; the
// owning Field.Type says which is populated.
type FieldValue struct {
	Str    string
	Bytes  []byte
	Int    int64
	Double float64
	Bool   bool
}

// Field is one variable-length user field: a name, a value type shared by
// every repeated value, the values themselves, and an optional
// representation hint (e.g. a unit string).
type Field struct {
	Name           string
	Type           ValueType
	Values         []FieldValue
	Representation string
}

// Message is the fully decoded, immutable record. Once returned from
// Decode it must not be mutated; callers that need a modified copy build
// a new Message.
type Message struct {
	Uuid       [16]byte
	Timestamp  int64
	Severity   int32
	Type       string
	Logger     string
	Payload    string
	EnvVersion string
	Pid        int32
	Hostname   string
	Fields     []Field
}

// Valid reports whether m satisfies the one invariant the wire format
// itself enforces: identifier and timestamp present.
func (m *Message) Valid() bool {
	if m.Timestamp == 0 {
		return false
	}
	for _, b := range m.Uuid {
		if b != 0 {
			return true
		}
	}
	return false
}

// Field returns the first field matching name, or ok=false if the
// message has none by that name. Matches the matcher's and sandbox
// callbacks' lookup need.
func (m *Message) Field(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldAt returns the fieldIndex-th field matching name (0-based), since
// a message can carry more than one field sharing the same name. It
// reports ok=false if fewer than fieldIndex+1 fields match.
func (m *Message) FieldAt(name string, fieldIndex int) (Field, bool) {
	seen := 0
	for _, f := range m.Fields {
		if f.Name != name {
			continue
		}
		if seen == fieldIndex {
			return f, true
		}
		seen++
	}
	return Field{}, false
}
