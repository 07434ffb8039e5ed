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
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"

	_ "github.com/united-manufacturing-hub/sparkplug-engine/cmd/benthos/bundle"
)

const (
	sourceSparkplug = "sparkplug-engine"
	sourceUpstream  = "upstream"
)

// sparkplugPlugins lists the components registered by this module.
var sparkplugPlugins = map[string][]string{
	"input":     {"sparkplug_b"},
	"processor": {"sparkplug_b_decode"},
	"output":    {"sparkplug_b"},
}

// generateSchemas extracts the specs of the registered plugins. Upstream
// plugins are only included when all is set.
func generateSchemas(env *service.Environment, version string, all bool) (*SchemaOutput, error) {
	output := &SchemaOutput{
		Metadata: Metadata{
			BenthosVersion: getBenthosVersion(),
			GeneratedAt:    time.Now().UTC(),
			Version:        version,
		},
		Inputs:     make(map[string]PluginSpec),
		Processors: make(map[string]PluginSpec),
		Outputs:    make(map[string]PluginSpec),
	}

	var errs []error
	walk := func(pluginType string, into map[string]PluginSpec) func(string, *service.ConfigView) {
		return func(name string, config *service.ConfigView) {
			source := detectSource(pluginType, name)
			if source == sourceUpstream && !all {
				return
			}
			spec, err := extractPluginSpec(name, pluginType, source, config)
			if err != nil {
				errs = append(errs, err)
				return
			}
			into[name] = spec
		}
	}

	env.WalkInputs(walk("input", output.Inputs))
	env.WalkProcessors(walk("processor", output.Processors))
	env.WalkOutputs(walk("output", output.Outputs))

	return output, errors.Join(errs...)
}

// extractPluginSpec converts a Benthos ConfigView to our PluginSpec format
func extractPluginSpec(name, pluginType, source string, config *service.ConfigView) (PluginSpec, error) {
	jsonData, err := config.FormatJSON()
	if err != nil {
		return PluginSpec{}, fmt.Errorf("failed to format JSON for plugin %s: %w", name, err)
	}

	var rawSpec map[string]any
	if err := json.Unmarshal(jsonData, &rawSpec); err != nil {
		return PluginSpec{}, fmt.Errorf("failed to unmarshal spec for plugin %s: %w", name, err)
	}

	spec := PluginSpec{
		Name:        name,
		Type:        pluginType,
		Source:      source,
		Summary:     config.Summary(),
		Description: config.Description(),
		Config:      make(map[string]FieldSpec),
	}
	if configObj, ok := rawSpec["config"].(map[string]any); ok {
		children, _ := configObj["children"].([]any)
		for _, field := range extractFields(children) {
			spec.Config[field.Name] = field
		}
	}
	return spec, nil
}

// extractFields converts Benthos field definitions recursively.
func extractFields(children []any) []FieldSpec {
	fields := make([]FieldSpec, 0, len(children))
	for _, child := range children {
		fieldMap, ok := child.(map[string]any)
		if !ok {
			continue
		}

		defaultVal, hasDefault := fieldMap["default"]
		field := FieldSpec{
			Name:        getString(fieldMap, "name"),
			Type:        getString(fieldMap, "type"),
			Kind:        getString(fieldMap, "kind"),
			Description: getString(fieldMap, "description"),
			Required:    !getBool(fieldMap, "is_optional") && !hasDefault,
			Default:     defaultVal,
			Advanced:    getBool(fieldMap, "is_advanced"),
		}
		if examples, ok := fieldMap["examples"].([]any); ok {
			field.Examples = examples
		}
		if options, ok := fieldMap["options"].([]any); ok {
			for _, opt := range options {
				if optStr, ok := opt.(string); ok {
					field.Options = append(field.Options, optStr)
				}
			}
		}
		if nested, ok := fieldMap["children"].([]any); ok && len(nested) > 0 {
			field.Children = extractFields(nested)
		}
		fields = append(fields, field)
	}
	return fields
}

func detectSource(pluginType, name string) string {
	for _, n := range sparkplugPlugins[pluginType] {
		if n == name {
			return sourceSparkplug
		}
	}
	return sourceUpstream
}

// getBenthosVersion retrieves the Benthos version from build metadata
func getBenthosVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range info.Deps {
		if strings.HasPrefix(dep.Path, "github.com/redpanda-data/benthos/v4") {
			return dep.Version
		}
	}
	return "unknown"
}

// pluginNames returns the sorted names of specs.
func pluginNames(specs map[string]PluginSpec) []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func getString(m map[string]any, key string) string {
	if val, ok := m[key].(string); ok {
		return val
	}
	return ""
}

func getBool(m map[string]any, key string) bool {
	if val, ok := m[key].(bool); ok {
		return val
	}
	return false
}
