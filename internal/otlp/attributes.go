package otlp

import (
	"encoding/json"
	"strconv"
)

// KeyValue is one OTLP attribute. Value is nil when the value was missing or
// could not be decoded.
type KeyValue struct {
	Key   string
	Value *AnyValue
}

func (kv *KeyValue) UnmarshalJSON(data []byte) error {
	var raw struct {
		Key   Text            `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kv.Key = string(raw.Key)
	kv.Value = nil
	if len(raw.Value) == 0 {
		return nil
	}
	var value AnyValue
	if err := json.Unmarshal(raw.Value, &value); err == nil {
		kv.Value = &value
	}
	return nil
}

// AnyValue is the OTLP typed-value union.
type AnyValue struct {
	StringValue *string       `json:"stringValue"`
	BoolValue   *bool         `json:"boolValue"`
	IntValue    Number        `json:"intValue"`
	DoubleValue Number        `json:"doubleValue"`
	BytesValue  *string       `json:"bytesValue"`
	ArrayValue  *ArrayValue   `json:"arrayValue"`
	KvlistValue *KeyValueList `json:"kvlistValue"`
}

type ArrayValue struct {
	Values List[AnyValue] `json:"values"`
}

type KeyValueList struct {
	Values List[KeyValue] `json:"values"`
}

// String renders the value the way it is stored in attribute maps.
func (v *AnyValue) String() string {
	if v == nil {
		return ""
	}
	switch {
	case v.StringValue != nil:
		return *v.StringValue
	case v.BoolValue != nil:
		return strconv.FormatBool(*v.BoolValue)
	case v.IntValue.Present():
		if i, ok := v.IntValue.Int64(); ok {
			return strconv.FormatInt(i, 10)
		}
		return ""
	case v.DoubleValue.Present():
		if f, ok := v.DoubleValue.Float64(); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return ""
	case v.BytesValue != nil:
		return *v.BytesValue
	case v.ArrayValue != nil:
		items := make([]string, 0, len(v.ArrayValue.Values))
		for i := range v.ArrayValue.Values {
			items = append(items, v.ArrayValue.Values[i].String())
		}
		return marshalString(items)
	case v.KvlistValue != nil:
		return marshalString(FlattenAttributes(v.KvlistValue.Values))
	}
	return ""
}

func marshalString(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(raw)
}

// FlattenAttributes converts an attribute list into a string map. Entries
// with an empty key are skipped and the last duplicate wins.
func FlattenAttributes(kvs []KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if kv.Key == "" {
			continue
		}
		out[kv.Key] = kv.Value.String()
	}
	return out
}
