// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package payload

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the Sparkplug B protobuf schema (sparkplug_b.proto).
const (
	fieldPayloadTimestamp protowire.Number = 1
	fieldPayloadMetrics   protowire.Number = 2
	fieldPayloadSeq       protowire.Number = 3
	fieldPayloadUUID      protowire.Number = 4
	fieldPayloadBody      protowire.Number = 5

	fieldMetricName         protowire.Number = 1
	fieldMetricAlias        protowire.Number = 2
	fieldMetricTimestamp    protowire.Number = 3
	fieldMetricDatatype     protowire.Number = 4
	fieldMetricIsHistorical protowire.Number = 5
	fieldMetricIsTransient  protowire.Number = 6
	fieldMetricIsNull       protowire.Number = 7
	fieldMetricIntValue     protowire.Number = 10
	fieldMetricLongValue    protowire.Number = 11
	fieldMetricFloatValue   protowire.Number = 12
	fieldMetricDoubleValue  protowire.Number = 13
	fieldMetricBooleanValue protowire.Number = 14
	fieldMetricStringValue  protowire.Number = 15
	fieldMetricBytesValue   protowire.Number = 16
)

// Encode serialises p into the Sparkplug B protobuf wire form.
func Encode(p Payload) ([]byte, error) {
	var b []byte
	if p.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldPayloadTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, p.Timestamp)
	}
	for i, m := range p.Metrics {
		mb, err := encodeMetric(m)
		if err != nil {
			return nil, fmt.Errorf("metric %d: %w", i, err)
		}
		b = protowire.AppendTag(b, fieldPayloadMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, mb)
	}
	if p.HasSeq {
		b = protowire.AppendTag(b, fieldPayloadSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, p.Seq)
	}
	if p.UUID != "" {
		b = protowire.AppendTag(b, fieldPayloadUUID, protowire.BytesType)
		b = protowire.AppendString(b, p.UUID)
	}
	if len(p.Body) > 0 {
		b = protowire.AppendTag(b, fieldPayloadBody, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Body)
	}
	return b, nil
}

func encodeMetric(m Metric) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var b []byte
	if m.Name != "" {
		b = protowire.AppendTag(b, fieldMetricName, protowire.BytesType)
		b = protowire.AppendString(b, m.Name)
	}
	if m.HasAlias {
		b = protowire.AppendTag(b, fieldMetricAlias, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Alias)
	}
	if m.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldMetricTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Timestamp)
	}
	if m.DataType != Unknown {
		b = protowire.AppendTag(b, fieldMetricDatatype, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.DataType))
	}
	if m.IsHistorical {
		b = appendBool(b, fieldMetricIsHistorical, true)
	}
	if m.IsTransient {
		b = appendBool(b, fieldMetricIsTransient, true)
	}
	if m.IsNull || m.Value == nil {
		return appendBool(b, fieldMetricIsNull, true), nil
	}

	switch v := m.Value.(type) {
	case int8:
		b = appendInt(b, uint32(int32(v)))
	case int16:
		b = appendInt(b, uint32(int32(v)))
	case int32:
		b = appendInt(b, uint32(v))
	case uint8:
		b = appendInt(b, uint32(v))
	case uint16:
		b = appendInt(b, uint32(v))
	case uint32:
		b = appendInt(b, v)
	case int64:
		b = protowire.AppendTag(b, fieldMetricLongValue, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v))
	case uint64:
		b = protowire.AppendTag(b, fieldMetricLongValue, protowire.VarintType)
		b = protowire.AppendVarint(b, v)
	case float32:
		b = protowire.AppendTag(b, fieldMetricFloatValue, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	case float64:
		b = protowire.AppendTag(b, fieldMetricDoubleValue, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	case bool:
		b = appendBool(b, fieldMetricBooleanValue, v)
	case string:
		b = protowire.AppendTag(b, fieldMetricStringValue, protowire.BytesType)
		b = protowire.AppendString(b, v)
	case []byte:
		b = protowire.AppendTag(b, fieldMetricBytesValue, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	default:
		return nil, fmt.Errorf("%w: metric %q has unsupported value type %T", ErrTypeMismatch, m.Name, m.Value)
	}
	return b, nil
}

func appendInt(b []byte, v uint32) []byte {
	b = protowire.AppendTag(b, fieldMetricIntValue, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// Decode parses Sparkplug B protobuf bytes. Unknown fields (properties,
// metadata, datasets, templates, extensions) are skipped. Every failure wraps ErrCodec.
func Decode(b []byte) (Payload, error) {
	var p Payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Payload{}, codecErr("payload tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPayloadTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Payload{}, codecErr("payload timestamp", protowire.ParseError(n))
			}
			p.Timestamp = v
			b = b[n:]
		case num == fieldPayloadMetrics && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Payload{}, codecErr("payload metric", protowire.ParseError(n))
			}
			m, err := decodeMetric(raw)
			if err != nil {
				return Payload{}, fmt.Errorf("metric %d: %w", len(p.Metrics), err)
			}
			p.Metrics = append(p.Metrics, m)
			b = b[n:]
		case num == fieldPayloadSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Payload{}, codecErr("payload seq", protowire.ParseError(n))
			}
			p.Seq = v
			p.HasSeq = true
			b = b[n:]
		case num == fieldPayloadUUID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Payload{}, codecErr("payload uuid", protowire.ParseError(n))
			}
			p.UUID = v
			b = b[n:]
		case num == fieldPayloadBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Payload{}, codecErr("payload body", protowire.ParseError(n))
			}
			p.Body = append([]byte(nil), v...)
			b = b[n:]
		case isKnownPayloadField(num):
			return Payload{}, fmt.Errorf("%w: payload field %d has wire type %d", ErrCodec, num, typ)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Payload{}, codecErr(fmt.Sprintf("payload field %d", num), protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}

func isKnownPayloadField(num protowire.Number) bool {
	return num >= fieldPayloadTimestamp && num <= fieldPayloadBody
}

// wireValue is the undecoded oneof value of a metric.
type wireValue struct {
	field protowire.Number
	u     uint64
	s     []byte
	set   bool
}

func decodeMetric(b []byte) (Metric, error) {
	var (
		m  Metric
		wv wireValue
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Metric{}, codecErr("metric tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Metric{}, codecErr(fmt.Sprintf("metric field %d", num), protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldMetricAlias:
				m.Alias, m.HasAlias = v, true
			case fieldMetricTimestamp:
				m.Timestamp = v
			case fieldMetricDatatype:
				m.DataType = DataType(v)
			case fieldMetricIsHistorical:
				m.IsHistorical = protowire.DecodeBool(v)
			case fieldMetricIsTransient:
				m.IsTransient = protowire.DecodeBool(v)
			case fieldMetricIsNull:
				m.IsNull = protowire.DecodeBool(v)
			case fieldMetricIntValue, fieldMetricLongValue, fieldMetricBooleanValue:
				wv = wireValue{field: num, u: v, set: true}
			case fieldMetricName, fieldMetricFloatValue, fieldMetricDoubleValue, fieldMetricStringValue, fieldMetricBytesValue:
				return Metric{}, fmt.Errorf("%w: metric field %d has wire type varint", ErrCodec, num)
			}
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return Metric{}, codecErr(fmt.Sprintf("metric field %d", num), protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldMetricFloatValue {
				wv = wireValue{field: num, u: uint64(v), set: true}
			} else if num <= fieldMetricBytesValue && num != 8 && num != 9 {
				return Metric{}, fmt.Errorf("%w: metric field %d has wire type fixed32", ErrCodec, num)
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Metric{}, codecErr(fmt.Sprintf("metric field %d", num), protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldMetricDoubleValue {
				wv = wireValue{field: num, u: v, set: true}
			} else if num <= fieldMetricBytesValue && num != 8 && num != 9 {
				return Metric{}, fmt.Errorf("%w: metric field %d has wire type fixed64", ErrCodec, num)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Metric{}, codecErr(fmt.Sprintf("metric field %d", num), protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldMetricName:
				m.Name = string(v)
			case fieldMetricStringValue, fieldMetricBytesValue:
				wv = wireValue{field: num, s: v, set: true}
			case fieldMetricAlias, fieldMetricTimestamp, fieldMetricDatatype, fieldMetricIsHistorical,
				fieldMetricIsTransient, fieldMetricIsNull, fieldMetricIntValue, fieldMetricLongValue,
				fieldMetricFloatValue, fieldMetricDoubleValue, fieldMetricBooleanValue:
				return Metric{}, fmt.Errorf("%w: metric field %d has wire type bytes", ErrCodec, num)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Metric{}, codecErr(fmt.Sprintf("metric field %d", num), protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	// Datasets, templates and extensions are skipped above and surface as
	// value-less metrics of their declared datatype.
	if m.IsNull || !wv.set {
		m.Value = nil
		return m, nil
	}

	v, err := typedValue(m.DataType, wv)
	if err != nil {
		return Metric{}, fmt.Errorf("%w: metric %q: %v", ErrCodec, m.Name, err)
	}
	m.Value = v
	return m, nil
}

// typedValue converts the wire value into the Go type required by dt. With
// an Unknown datatype (allowed in DATA messages that rely on the birth
// certificate) the raw wire type is kept: uint32, uint64, float32, float64,
// bool, string or []byte.
func typedValue(dt DataType, wv wireValue) (any, error) {
	want := wireFieldFor(dt)
	if dt != Unknown && want != wv.field {
		return nil, fmt.Errorf("datatype %s carried in wire field %d", dt, wv.field)
	}

	switch wv.field {
	case fieldMetricIntValue:
		if wv.u > math.MaxUint32 {
			return nil, fmt.Errorf("int_value %d overflows uint32", wv.u)
		}
		u := uint32(wv.u)
		switch dt {
		case Int8:
			if i := int32(u); i < math.MinInt8 || i > math.MaxInt8 {
				return nil, fmt.Errorf("value %d out of Int8 range", i)
			}
			return int8(int32(u)), nil
		case Int16:
			if i := int32(u); i < math.MinInt16 || i > math.MaxInt16 {
				return nil, fmt.Errorf("value %d out of Int16 range", i)
			}
			return int16(int32(u)), nil
		case Int32:
			return int32(u), nil
		case UInt8:
			if u > math.MaxUint8 {
				return nil, fmt.Errorf("value %d out of UInt8 range", u)
			}
			return uint8(u), nil
		case UInt16:
			if u > math.MaxUint16 {
				return nil, fmt.Errorf("value %d out of UInt16 range", u)
			}
			return uint16(u), nil
		}
		return u, nil
	case fieldMetricLongValue:
		if dt == Int64 {
			return int64(wv.u), nil
		}
		return wv.u, nil
	case fieldMetricFloatValue:
		return math.Float32frombits(uint32(wv.u)), nil
	case fieldMetricDoubleValue:
		return math.Float64frombits(wv.u), nil
	case fieldMetricBooleanValue:
		return protowire.DecodeBool(wv.u), nil
	case fieldMetricStringValue:
		return string(wv.s), nil
	case fieldMetricBytesValue:
		return append([]byte(nil), wv.s...), nil
	}
	return nil, fmt.Errorf("unsupported value field %d", wv.field)
}

func wireFieldFor(dt DataType) protowire.Number {
	switch dt {
	case Int8, Int16, Int32, UInt8, UInt16, UInt32:
		return fieldMetricIntValue
	case Int64, UInt64, DateTime:
		return fieldMetricLongValue
	case Float:
		return fieldMetricFloatValue
	case Double:
		return fieldMetricDoubleValue
	case Boolean:
		return fieldMetricBooleanValue
	case String, Text, UUID:
		return fieldMetricStringValue
	case Bytes:
		return fieldMetricBytesValue
	}
	return 0
}

// Coerce re-types a metric decoded without a datatype (alias-only DATA
// metrics) using the datatype announced in the birth certificate.
func (m Metric) Coerce(dt DataType) (Metric, error) {
	if m.DataType == dt {
		return m, nil
	}
	if m.DataType != Unknown {
		return Metric{}, fmt.Errorf("%w: metric %q is %s, birth declared %s", ErrTypeMismatch, m.Key(), m.DataType, dt)
	}
	m.DataType = dt
	if m.IsNull || m.Value == nil {
		return m, nil
	}

	var wv wireValue
	switch v := m.Value.(type) {
	case uint32:
		wv = wireValue{field: fieldMetricIntValue, u: uint64(v), set: true}
	case uint64:
		wv = wireValue{field: fieldMetricLongValue, u: v, set: true}
	case float32:
		wv = wireValue{field: fieldMetricFloatValue, u: uint64(math.Float32bits(v)), set: true}
	case float64:
		wv = wireValue{field: fieldMetricDoubleValue, u: math.Float64bits(v), set: true}
	case bool:
		wv = wireValue{field: fieldMetricBooleanValue, u: protowire.EncodeBool(v), set: true}
	case string:
		wv = wireValue{field: fieldMetricStringValue, s: []byte(v), set: true}
	case []byte:
		wv = wireValue{field: fieldMetricBytesValue, s: v, set: true}
	default:
		return Metric{}, fmt.Errorf("%w: metric %q holds %T", ErrTypeMismatch, m.Key(), m.Value)
	}

	v, err := typedValue(dt, wv)
	if err != nil {
		return Metric{}, fmt.Errorf("%w: metric %q: %v", ErrTypeMismatch, m.Key(), err)
	}
	m.Value = v
	return m, nil
}

func codecErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCodec, what, err)
}
