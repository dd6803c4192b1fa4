package diagnostics

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ResultMap is an insertion-ordered map of result field keys to values.
// Values are float64 for numeric fields and string otherwise. The JSON form
// is an object whose keys appear in insertion order.
type ResultMap struct {
	keys   []string
	values map[string]interface{}
}

func NewResultMap() *ResultMap {
	return &ResultMap{values: make(map[string]interface{})}
}

// Set inserts or replaces key. A replaced key keeps its position.
func (m *ResultMap) Set(key string, v interface{}) {
	if m.values == nil {
		m.values = make(map[string]interface{})
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

func (m *ResultMap) Get(key string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

func (m *ResultMap) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns the keys in insertion order.
func (m *ResultMap) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m *ResultMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Clone returns a copy. Values are scalars, so a shallow value copy is deep.
func (m *ResultMap) Clone() *ResultMap {
	if m == nil {
		return nil
	}
	c := &ResultMap{keys: append([]string(nil), m.keys...)}
	if m.values != nil {
		c.values = make(map[string]interface{}, len(m.values))
		for k, v := range m.values {
			c.values[k] = v
		}
	}
	return c
}

// Map returns an unordered copy suitable for schema validation.
func (m *ResultMap) Map() map[string]interface{} {
	out := make(map[string]interface{}, m.Len())
	if m == nil {
		return out
	}
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

func (m ResultMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, fmt.Errorf("result %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, preserving key order. Nested objects
// and arrays are rejected; result values are scalars.
func (m *ResultMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("results: expected object")
	}
	*m = ResultMap{values: make(map[string]interface{})}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("results: expected string key")
		}
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return err
		}
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			return fmt.Errorf("results: %q must be a scalar", key)
		}
		m.Set(key, v)
	}
	_, err = dec.Token()
	return err
}
