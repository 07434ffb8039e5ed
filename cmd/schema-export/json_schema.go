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

package main

import (
	"fmt"
	"sort"
)

const (
	formatBenthos    = "benthos"
	formatJSONSchema = "json-schema"
)

// validateFormat validates the format flag value
func validateFormat(format string) error {
	if format == "" {
		return fmt.Errorf("format cannot be empty")
	}
	if format != formatBenthos && format != formatJSONSchema {
		return fmt.Errorf("invalid format: %s (must be '%s' or '%s')", format, formatBenthos, formatJSONSchema)
	}
	return nil
}

func scalarSchema(benthosType string) map[string]any {
	switch benthosType {
	case "int":
		return map[string]any{"type": "integer"}
	case "float":
		return map[string]any{"type": "number"}
	case "bool":
		return map[string]any{"type": "boolean"}
	case "object":
		return map[string]any{"type": "object"}
	case "unknown":
		return map[string]any{}
	}
	return map[string]any{"type": "string"}
}

// objectSchema builds the properties and required list of an object field.
func objectSchema(schema map[string]any, children []FieldSpec) {
	if len(children) == 0 {
		return
	}
	properties := make(map[string]any, len(children))
	var required []string
	for _, child := range children {
		properties[child.Name] = convertFieldToJSONSchema(child)
		if child.Required {
			required = append(required, child.Name)
		}
	}
	schema["properties"] = properties
	if len(required) > 0 {
		schema["required"] = required
	}
}

// convertFieldToJSONSchema converts a FieldSpec to a JSON Schema property.
// The field kind decides between a scalar, an array of it or a map of it.
func convertFieldToJSONSchema(field FieldSpec) map[string]any {
	element := scalarSchema(field.Type)
	if field.Type == "object" {
		objectSchema(element, field.Children)
	}
	if len(field.Options) > 0 {
		element["enum"] = field.Options
	}

	var schema map[string]any
	switch field.Kind {
	case "array":
		schema = map[string]any{"type": "array", "items": element}
	case "2darray":
		schema = map[string]any{"type": "array", "items": map[string]any{"type": "array", "items": element}}
	case "map":
		schema = map[string]any{"type": "object", "additionalProperties": element}
	default:
		schema = element
	}

	if field.Description != "" {
		schema["description"] = field.Description
	}
	if field.Default != nil {
		schema["default"] = field.Default
	}
	if field.Advanced {
		schema["x-advanced"] = true
	}
	return schema
}

// convertPluginToJSONSchema converts a PluginSpec to a JSON Schema definition
func convertPluginToJSONSchema(plugin PluginSpec) map[string]any {
	fields := make([]FieldSpec, 0, len(plugin.Config))
	for _, name := range sortedFieldNames(plugin.Config) {
		fields = append(fields, plugin.Config[name])
	}

	schema := map[string]any{"type": "object"}
	if plugin.Description != "" {
		schema["description"] = plugin.Description
	} else if plugin.Summary != "" {
		schema["description"] = plugin.Summary
	}
	objectSchema(schema, fields)
	return schema
}

// generateJSONSchema converts plugin specs to JSON Schema Draft-07. Component
// types get separate definition prefixes because an input and an output may
// share a name.
func generateJSONSchema(plugins *SchemaOutput, version string) map[string]any {
	definitions := make(map[string]any)
	for name, plugin := range plugins.Inputs {
		definitions["input."+name] = convertPluginToJSONSchema(plugin)
	}
	for name, plugin := range plugins.Processors {
		definitions["processor."+name] = convertPluginToJSONSchema(plugin)
	}
	for name, plugin := range plugins.Outputs {
		definitions["output."+name] = convertPluginToJSONSchema(plugin)
	}

	return map[string]any{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"$id":         fmt.Sprintf("https://github.com/united-manufacturing-hub/sparkplug-engine/schemas/v%s.json", version),
		"title":       "Sparkplug engine plugin configuration schema",
		"definitions": definitions,
	}
}

// generateSchemaWithFormat routes to the appropriate formatter.
func generateSchemaWithFormat(plugins *SchemaOutput, format, version string) (any, error) {
	if err := validateFormat(format); err != nil {
		return nil, err
	}
	if format == formatBenthos {
		return plugins, nil
	}
	return generateJSONSchema(plugins, version), nil
}

func sortedFieldNames(fields map[string]FieldSpec) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
