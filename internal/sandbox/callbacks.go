package sandbox

import (
	"encoding/hex"
	"fmt"

	"github.com/dop251/goja"

	"github.com/hindsightlabs/hindsight/internal/checkpoint"
	"github.com/hindsightlabs/hindsight/internal/frame"
)

// bindCallbacks installs the host-provided functions every plugin
// program sees as globals: inject_message and decode_message. Output
// plugins additionally get update_checkpoint_callback, when an AckFunc
// was supplied.
func bindCallbacks(h *Host) error {
	if err := h.vm.Set("inject_message", h.injectMessageBinding); err != nil {
		return fmt.Errorf("binding inject_message: %w", err)
	}
	if err := h.vm.Set("decode_message", h.decodeMessageBinding); err != nil {
		return fmt.Errorf("binding decode_message: %w", err)
	}
	if h.cfg.Ack != nil {
		if err := h.vm.Set("update_checkpoint_callback", h.updateCheckpointCallbackBinding); err != nil {
			return fmt.Errorf("binding update_checkpoint_callback: %w", err)
		}
	}
	return nil
}

// updateCheckpointCallbackBinding implements update_checkpoint_callback
// (sequence_id): an output plugin's way of reporting that a previously
// ASYNC-deferred call has now completed.
func (h *Host) updateCheckpointCallbackBinding(call goja.FunctionCall) goja.Value {
	seq := call.Argument(0).ToInteger()
	if err := h.cfg.Ack(seq); err != nil {
		panic(h.vm.NewGoError(fmt.Errorf("update_checkpoint_callback: %w", err)))
	}
	return goja.Undefined()
}

// injectMessageBinding implements inject_message(msg, new_cp). It is
// called synchronously from plugin code; the call completes before
// Process/Timer returns to their own caller, matching the host's
// same-thread nesting guarantee.
func (h *Host) injectMessageBinding(call goja.FunctionCall) goja.Value {
	if h.inject == nil {
		panic(h.vm.NewGoError(fmt.Errorf("sandbox: inject_message called but no injector is configured")))
	}

	msgObj := call.Argument(0)
	if goja.IsUndefined(msgObj) || goja.IsNull(msgObj) {
		panic(h.vm.NewTypeError("inject_message requires a message object"))
	}
	msg, err := messageFromJS(msgObj.Export())
	if err != nil {
		panic(h.vm.NewTypeError(fmt.Sprintf("inject_message: %v", err)))
	}
	if h.msgLimit > 0 && int64(len(msg.Payload)) > h.msgLimit {
		panic(h.vm.NewGoError(fmt.Errorf("sandbox: message payload of %d bytes exceeds the %d byte limit", len(msg.Payload), h.msgLimit)))
	}

	cpVal, err := checkpointFromJS(call.Argument(1).Export())
	if err != nil {
		panic(h.vm.NewTypeError(fmt.Sprintf("inject_message: checkpoint: %v", err)))
	}

	h.outUsed += int64(len(msg.Payload))
	if h.outLimit > 0 && h.outUsed > h.outLimit {
		panic(h.vm.NewGoError(fmt.Errorf("sandbox: output of %d bytes exceeds the %d byte limit", h.outUsed, h.outLimit)))
	}

	if err := h.inject(msg, cpVal); err != nil {
		panic(h.vm.NewGoError(fmt.Errorf("inject_message: %w", err)))
	}
	return goja.Undefined()
}

// decodeMessageBinding implements decode_message(bytes): a convenience
// for plugins holding a raw encoded frame payload (e.g. recovered from
// persisted state) that want it parsed back into a message object
// without re-entering the queue reader.
func (h *Host) decodeMessageBinding(call goja.FunctionCall) goja.Value {
	raw, ok := call.Argument(0).Export().([]byte)
	if !ok {
		if s, isStr := call.Argument(0).Export().(string); isStr {
			raw = []byte(s)
		} else {
			panic(h.vm.NewTypeError("decode_message requires a byte string"))
		}
	}
	msg, err := frame.DecodeMessage(raw)
	if err != nil {
		panic(h.vm.NewGoError(fmt.Errorf("decode_message: %w", err)))
	}
	return h.vm.ToValue(messageToJS(msg))
}

// messageToJS projects a decoded Message into the plain-object shape
// plugin code sees as its process(msg, ...) argument.
func messageToJS(m *frame.Message) map[string]interface{} {
	fields := make(map[string]interface{}, len(m.Fields))
	for _, f := range m.Fields {
		values := make([]interface{}, len(f.Values))
		for i, v := range f.Values {
			values[i] = fieldValueToJS(f.Type, v)
		}
		fields[f.Name] = values
	}
	return map[string]interface{}{
		"Uuid":       hex.EncodeToString(m.Uuid[:]),
		"Timestamp":  m.Timestamp,
		"Severity":   m.Severity,
		"Type":       m.Type,
		"Logger":     m.Logger,
		"Payload":    m.Payload,
		"EnvVersion": m.EnvVersion,
		"Pid":        m.Pid,
		"Hostname":   m.Hostname,
		"Fields":     fields,
	}
}

func fieldValueToJS(t frame.ValueType, v frame.FieldValue) interface{} {
	switch t {
	case frame.ValueString:
		return v.Str
	case frame.ValueBytes:
		return v.Bytes
	case frame.ValueInteger:
		return v.Int
	case frame.ValueDouble:
		return v.Double
	case frame.ValueBool:
		return v.Bool
	default:
		return nil
	}
}

// messageFromJS builds a Message out of the plain object a plugin passed
// to inject_message. Only the header fields and a flat string-keyed
// Fields map of scalar values are supported; this matches what a
// plugin author constructs with an object literal.
func messageFromJS(v interface{}) (*frame.Message, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected an object")
	}

	m := &frame.Message{}
	if s, ok := obj["Uuid"].(string); ok {
		raw, err := hex.DecodeString(s)
		if err == nil && len(raw) == 16 {
			copy(m.Uuid[:], raw)
		}
	}
	m.Timestamp = asInt64(obj["Timestamp"])
	m.Severity = int32(asInt64(obj["Severity"]))
	m.Type, _ = obj["Type"].(string)
	m.Logger, _ = obj["Logger"].(string)
	m.Payload, _ = obj["Payload"].(string)
	m.EnvVersion, _ = obj["EnvVersion"].(string)
	m.Pid = int32(asInt64(obj["Pid"]))
	m.Hostname, _ = obj["Hostname"].(string)

	if raw, ok := obj["Fields"].(map[string]interface{}); ok {
		for name, rawValues := range raw {
			values, ok := rawValues.([]interface{})
			if !ok {
				values = []interface{}{rawValues}
			}
			f, err := fieldFromJSValues(name, values)
			if err != nil {
				return nil, err
			}
			m.Fields = append(m.Fields, f)
		}
	}

	if !m.Valid() {
		return nil, fmt.Errorf("message is missing Uuid or Timestamp")
	}
	return m, nil
}

func fieldFromJSValues(name string, values []interface{}) (frame.Field, error) {
	f := frame.Field{Name: name}
	if len(values) == 0 {
		f.Type = frame.ValueString
		return f, nil
	}
	switch values[0].(type) {
	case string:
		f.Type = frame.ValueString
	case []byte:
		f.Type = frame.ValueBytes
	case bool:
		f.Type = frame.ValueBool
	case int64, int, float64:
		f.Type = frame.ValueDouble
	default:
		return frame.Field{}, fmt.Errorf("field %q: unsupported value type %T", name, values[0])
	}

	for _, rv := range values {
		var fv frame.FieldValue
		switch f.Type {
		case frame.ValueString:
			fv.Str, _ = rv.(string)
		case frame.ValueBytes:
			fv.Bytes, _ = rv.([]byte)
		case frame.ValueBool:
			fv.Bool, _ = rv.(bool)
		case frame.ValueDouble:
			switch n := rv.(type) {
			case int64:
				fv.Double = float64(n)
			case int:
				fv.Double = float64(n)
			case float64:
				fv.Double = n
			}
		}
		f.Values = append(f.Values, fv)
	}
	return f, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// checkpointToJS exposes a checkpoint value to plugin code in its
// natural JS representation: a number, a string, or "id:offset" for a
// position.
func checkpointToJS(v checkpoint.Value) interface{} {
	switch v.Kind {
	case checkpoint.KindNumber:
		return v.Number
	case checkpoint.KindPosition:
		return fmt.Sprintf("%d:%d", v.ID, v.Offset)
	default:
		return v.Str
	}
}

// checkpointFromJS builds a checkpoint.Value from whatever a plugin
// passed as new_cp. A nil/undefined argument yields the zero Value,
// which callers treat as "no checkpoint update this call".
func checkpointFromJS(v interface{}) (checkpoint.Value, error) {
	switch n := v.(type) {
	case nil:
		return checkpoint.Value{}, nil
	case float64:
		return checkpoint.NumberValue(n), nil
	case int64:
		return checkpoint.NumberValue(float64(n)), nil
	case string:
		return checkpoint.StringValue(n)
	default:
		return checkpoint.Value{}, fmt.Errorf("unsupported checkpoint value type %T", v)
	}
}
