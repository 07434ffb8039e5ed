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
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// number matches json.Number of both encoding/json and goccy/go-json.
type number interface {
	String() string
	Int64() (int64, error)
	Float64() (float64, error)
}

var _ number = json.Number("")

// Convert turns a loosely typed value (JSON numbers, strings, Go scalars)
// into the Go type required by dt. Values that would overflow or lose their
// sign are rejected with ErrTypeMismatch.
func Convert(value any, dt DataType) (any, error) {
	if value == nil {
		return nil, nil
	}
	if n, ok := value.(number); ok {
		value = n.String()
	}

	switch dt {
	case Int8, Int16, Int32, Int64:
		i, ok := toInt64(value)
		if !ok {
			break
		}
		switch dt {
		case Int8:
			if i >= math.MinInt8 && i <= math.MaxInt8 {
				return int8(i), nil
			}
		case Int16:
			if i >= math.MinInt16 && i <= math.MaxInt16 {
				return int16(i), nil
			}
		case Int32:
			if i >= math.MinInt32 && i <= math.MaxInt32 {
				return int32(i), nil
			}
		default:
			return i, nil
		}
	case UInt8, UInt16, UInt32, UInt64, DateTime:
		u, ok := toUint64(value)
		if !ok {
			break
		}
		switch dt {
		case UInt8:
			if u <= math.MaxUint8 {
				return uint8(u), nil
			}
		case UInt16:
			if u <= math.MaxUint16 {
				return uint16(u), nil
			}
		case UInt32:
			if u <= math.MaxUint32 {
				return uint32(u), nil
			}
		default:
			return u, nil
		}
	case Float:
		if f, ok := toFloat64(value); ok {
			return float32(f), nil
		}
	case Double:
		if f, ok := toFloat64(value); ok {
			return f, nil
		}
	case Boolean:
		if b, ok := toBool(value); ok {
			return b, nil
		}
	case String, Text, UUID:
		if s, ok := toString(value); ok {
			return s, nil
		}
	case Bytes:
		switch v := value.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		}
	}
	return nil, fmt.Errorf("%w: cannot convert %T(%v) to %s", ErrTypeMismatch, value, value, dt)
}

// InferDataType picks a datatype for a Go value whose metric has no configured type.
func InferDataType(value any) DataType {
	switch v := value.(type) {
	case bool:
		return Boolean
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int, int64:
		return Int64
	case uint8:
		return UInt8
	case uint16:
		return UInt16
	case uint32:
		return UInt32
	case uint, uint64:
		return UInt64
	case float32:
		return Float
	case float64:
		return Double
	case number:
		if strings.ContainsAny(v.String(), ".eE") {
			return Double
		}
		return Int64
	case []byte:
		return Bytes
	default:
		return String
	}
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float32:
		return floatToInt64(float64(v))
	case float64:
		return floatToInt64(v)
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed, true
		}
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return floatToInt64(parsed)
		}
	}
	return 0, false
}

func floatToInt64(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func toUint64(value any) (uint64, bool) {
	switch v := value.(type) {
	case uint:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case string:
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			return parsed, true
		}
	}
	i, ok := toInt64(value)
	if !ok || i < 0 {
		return 0, false
	}
	return uint64(i), true
}

func toFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed, true
		}
		return 0, false
	case bool:
		return 0, false
	case uint64:
		return float64(v), true
	}
	i, ok := toInt64(value)
	return float64(i), ok
}

func toBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed, true
		}
		// numeric strings count as well
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed != 0, true
		}
		return false, false
	}
	f, ok := toFloat64(value)
	return f != 0, ok
}

func toString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	case bool:
		return strconv.FormatBool(v), true
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	}
	if i, ok := toInt64(value); ok {
		return strconv.FormatInt(i, 10), true
	}
	return "", false
}
