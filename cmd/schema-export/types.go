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

import "time"

// SchemaOutput is the "benthos" export format: plugin specs grouped by component type.
type SchemaOutput struct {
	Metadata   Metadata              `json:"metadata"`
	Inputs     map[string]PluginSpec `json:"inputs"`
	Processors map[string]PluginSpec `json:"processors"`
	Outputs    map[string]PluginSpec `json:"outputs"`
}

// Metadata contains information about the schema export
type Metadata struct {
	BenthosVersion string    `json:"benthos_version"`
	GeneratedAt    time.Time `json:"generated_at"`
	Version        string    `json:"version"`
}

// PluginSpec represents a single Benthos plugin specification
type PluginSpec struct {
	Name        string               `json:"name"`
	Type        string               `json:"type"`
	Source      string               `json:"source"` // "sparkplug-engine" | "upstream"
	Summary     string               `json:"summary"`
	Description string               `json:"description,omitempty"`
	Config      map[string]FieldSpec `json:"config"`
}

// FieldSpec represents a single configuration field
type FieldSpec struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Kind        string      `json:"kind"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     any         `json:"default"`
	Examples    []any       `json:"examples,omitempty"`
	Options     []string    `json:"options,omitempty"`
	Advanced    bool        `json:"advanced,omitempty"`
	Children    []FieldSpec `json:"children,omitempty"` // For nested objects/arrays
}
