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

// Package payload implements the Sparkplug B metric-list payload and its
// protobuf wire encoding.
//
// A Metric carries its value as a tagged union: the DataType discriminant
// fixes the Go type that Value must hold. Mismatched pairs are rejected when
// a metric is constructed, encoded or decoded, never at first use.
//
//	DataType            Go type of Value
//	Int8/16/32/64       int8 / int16 / int32 / int64
//	UInt8/16/32/64      uint8 / uint16 / uint32 / uint64
//	Float / Double      float32 / float64
//	Boolean             bool
//	String, Text, UUID  string
//	DateTime            uint64 (milliseconds since epoch)
//	Bytes               []byte
package payload

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

var (
	// ErrCodec is returned for payload bytes that cannot be decoded.
	ErrCodec = errors.New("sparkplug payload codec error")
	// ErrTypeMismatch is returned when a metric value does not match its datatype tag.
	ErrTypeMismatch = errors.New("metric value does not match datatype")
)

// DataType is the Sparkplug B datatype tag.
type DataType uint32

const (
	Unknown  DataType = 0
	Int8     DataType = 1
	Int16    DataType = 2
	Int32    DataType = 3
	Int64    DataType = 4
	UInt8    DataType = 5
	UInt16   DataType = 6
	UInt32   DataType = 7
	UInt64   DataType = 8
	Float    DataType = 9
	Double   DataType = 10
	Boolean  DataType = 11
	String   DataType = 12
	DateTime DataType = 13
	Text     DataType = 14
	UUID     DataType = 15
	Bytes    DataType = 17
)

var dataTypeNames = map[DataType]string{
	Unknown: "Unknown", Int8: "Int8", Int16: "Int16", Int32: "Int32", Int64: "Int64",
	UInt8: "UInt8", UInt16: "UInt16", UInt32: "UInt32", UInt64: "UInt64",
	Float: "Float", Double: "Double", Boolean: "Boolean", String: "String",
	DateTime: "DateTime", Text: "Text", UUID: "UUID", Bytes: "Bytes",
}

func (dt DataType) String() string {
	if n, ok := dataTypeNames[dt]; ok {
		return n
	}
	return fmt.Sprintf("DataType(%d)", uint32(dt))
}

// Supported reports whether the codec can carry values of this datatype.
func (dt DataType) Supported() bool {
	_, ok := dataTypeNames[dt]
	return ok && dt != Unknown
}

// ParseDataType maps a lowercase type name ("double", "int32", "boolean", ...) to a DataType.
func ParseDataType(name string) (DataType, bool) {
	switch name {
	case "int8":
		return Int8, true
	case "int16":
		return Int16, true
	case "int32":
		return Int32, true
	case "int64":
		return Int64, true
	case "uint8":
		return UInt8, true
	case "uint16":
		return UInt16, true
	case "uint32":
		return UInt32, true
	case "uint64":
		return UInt64, true
	case "float":
		return Float, true
	case "double":
		return Double, true
	case "boolean", "bool":
		return Boolean, true
	case "string":
		return String, true
	case "datetime":
		return DateTime, true
	case "text":
		return Text, true
	case "uuid":
		return UUID, true
	case "bytes":
		return Bytes, true
	}
	return Unknown, false
}

// Metric is a single named, typed value.
type Metric struct {
	Name string
	// Alias is only meaningful when HasAlias is set; alias 0 is a valid alias.
	Alias    uint64
	HasAlias bool
	// Timestamp in milliseconds since epoch, 0 when unset.
	Timestamp    uint64
	DataType     DataType
	Value        any
	IsNull       bool
	IsHistorical bool
	IsTransient  bool
}

// NewMetric builds a metric and rejects a value whose Go type does not match dt.
func NewMetric(name string, dt DataType, value any) (Metric, error) {
	m := Metric{Name: name, DataType: dt, Value: value}
	if value == nil {
		m.IsNull = true
	}
	if err := m.Validate(); err != nil {
		return Metric{}, err
	}
	return m, nil
}

func BoolMetric(name string, v bool) Metric {
	return Metric{Name: name, DataType: Boolean, Value: v}
}
func DoubleMetric(name string, v float64) Metric {
	return Metric{Name: name, DataType: Double, Value: v}
}
func Int64Metric(name string, v int64) Metric {
	return Metric{Name: name, DataType: Int64, Value: v}
}
func UInt64Metric(name string, v uint64) Metric {
	return Metric{Name: name, DataType: UInt64, Value: v}
}
func StringMetric(name string, v string) Metric {
	return Metric{Name: name, DataType: String, Value: v}
}

// WithAlias returns a copy of m carrying alias.
func (m Metric) WithAlias(alias uint64) Metric {
	m.Alias = alias
	m.HasAlias = true
	return m
}

// WithTimestamp returns a copy of m stamped with t.
func (m Metric) WithTimestamp(t time.Time) Metric {
	m.Timestamp = uint64(t.UnixMilli())
	return m
}

// Validate checks the datatype/value pairing.
func (m Metric) Validate() error {
	if m.IsNull || m.Value == nil {
		if m.DataType != Unknown && !m.DataType.Supported() {
			return fmt.Errorf("%w: metric %q has unsupported datatype %s", ErrTypeMismatch, m.Name, m.DataType)
		}
		return nil
	}
	if !m.DataType.Supported() {
		return fmt.Errorf("%w: metric %q has unsupported datatype %s", ErrTypeMismatch, m.Name, m.DataType)
	}
	if !valueMatches(m.DataType, m.Value) {
		return fmt.Errorf("%w: metric %q is %s but value is %T", ErrTypeMismatch, m.Name, m.DataType, m.Value)
	}
	return nil
}

func valueMatches(dt DataType, v any) bool {
	switch dt {
	case Int8:
		_, ok := v.(int8)
		return ok
	case Int16:
		_, ok := v.(int16)
		return ok
	case Int32:
		_, ok := v.(int32)
		return ok
	case Int64:
		_, ok := v.(int64)
		return ok
	case UInt8:
		_, ok := v.(uint8)
		return ok
	case UInt16:
		_, ok := v.(uint16)
		return ok
	case UInt32:
		_, ok := v.(uint32)
		return ok
	case UInt64, DateTime:
		_, ok := v.(uint64)
		return ok
	case Float:
		_, ok := v.(float32)
		return ok
	case Double:
		_, ok := v.(float64)
		return ok
	case Boolean:
		_, ok := v.(bool)
		return ok
	case String, Text, UUID:
		_, ok := v.(string)
		return ok
	case Bytes:
		_, ok := v.([]byte)
		return ok
	}
	return false
}

// Equal compares name, alias, timestamp, datatype, flags and value.
func (m Metric) Equal(o Metric) bool {
	if m.Name != o.Name || m.HasAlias != o.HasAlias || m.Timestamp != o.Timestamp ||
		m.DataType != o.DataType || m.IsNull != o.IsNull ||
		m.IsHistorical != o.IsHistorical || m.IsTransient != o.IsTransient {
		return false
	}
	if m.HasAlias && m.Alias != o.Alias {
		return false
	}
	if mb, ok := m.Value.([]byte); ok {
		ob, ok := o.Value.([]byte)
		return ok && bytes.Equal(mb, ob)
	}
	return m.Value == o.Value
}

// Key returns the metric name, or "alias_<n>" for an unresolved alias-only metric.
func (m Metric) Key() string {
	if m.Name != "" {
		return m.Name
	}
	if m.HasAlias {
		return fmt.Sprintf("alias_%d", m.Alias)
	}
	return "unknown_metric"
}

// MarshalJSON renders the metric for event bodies.
func (m Metric) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"name":     m.Key(),
		"datatype": m.DataType.String(),
		"value":    m.Value,
	}
	if m.IsNull {
		out["value"] = nil
	}
	if m.HasAlias {
		out["alias"] = m.Alias
	}
	if m.Timestamp != 0 {
		out["timestamp_ms"] = m.Timestamp
	}
	return json.Marshal(out)
}

// Payload is an ordered metric list with payload-level sequence number and timestamp.
// Seq is present on every message type except STATE; HasSeq records its presence.
type Payload struct {
	Timestamp uint64
	Seq       uint64
	HasSeq    bool
	Metrics   []Metric
	UUID      string
	Body      []byte
}

// WithSeq returns a copy of p carrying seq.
func (p Payload) WithSeq(seq uint8) Payload {
	p.Seq = uint64(seq)
	p.HasSeq = true
	return p
}

// MetricByName returns the first metric with the given name.
func (p Payload) MetricByName(name string) (Metric, bool) {
	for _, m := range p.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return Metric{}, false
}

// Equal compares two payloads metric by metric, in order.
func (p Payload) Equal(o Payload) bool {
	if p.Timestamp != o.Timestamp || p.HasSeq != o.HasSeq || p.UUID != o.UUID ||
		!bytes.Equal(p.Body, o.Body) || len(p.Metrics) != len(o.Metrics) {
		return false
	}
	if p.HasSeq && p.Seq != o.Seq {
		return false
	}
	for i := range p.Metrics {
		if !p.Metrics[i].Equal(o.Metrics[i]) {
			return false
		}
	}
	return true
}

// ToJSON renders the payload for diagnostics.
func (p Payload) ToJSON() ([]byte, error) {
	out := map[string]any{
		"timestamp": p.Timestamp,
		"metrics":   p.Metrics,
	}
	if p.HasSeq {
		out["seq"] = p.Seq
	}
	if p.UUID != "" {
		out["uuid"] = p.UUID
	}
	return json.Marshal(out)
}
