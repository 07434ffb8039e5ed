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

// Command schema-export writes the configuration schemas of the Sparkplug
// plugins, either in the Benthos spec format or as JSON Schema Draft-07.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"
)

// outputFilename creates a versioned filename, stripping a 'v' prefix.
func outputFilename(version, format string) string {
	cleanVersion := strings.TrimPrefix(version, "v")
	if format == formatJSONSchema {
		return fmt.Sprintf("sparkplug-schemas-v%s-json-schema.json", cleanVersion)
	}
	return fmt.Sprintf("sparkplug-schemas-v%s.json", cleanVersion)
}

func main() {
	version := flag.String("version", "", "Release version (required)")
	format := flag.String("format", formatBenthos, "Output format: benthos or json-schema")
	all := flag.Bool("all", false, "Include every registered upstream plugin")
	flag.Parse()

	usage := "Usage: schema-export -version 1.0.0 [-format benthos|json-schema] [-all]"
	if *version == "" {
		fmt.Fprintf(os.Stderr, "Error: -version flag is required\n%s\n", usage)
		os.Exit(1)
	}
	if strings.ContainsAny(*version, "/\\") {
		fmt.Fprintf(os.Stderr, "Error: -version contains invalid path characters\n")
		os.Exit(1)
	}
	if err := validateFormat(*format); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n%s\n", err, usage)
		os.Exit(1)
	}

	schemas, err := generateSchemas(service.GlobalEnvironment(), *version, *all)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating schemas: %v\n", err)
		os.Exit(1)
	}

	output, err := generateSchemaWithFormat(schemas, *format, *version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating schema with format %s: %v\n", *format, err)
		os.Exit(1)
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	outputFile := outputFilename(*version, *format)
	if err := os.WriteFile(outputFile, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Generated schemas to %s (%s)\n", outputFile, *format)
	fmt.Fprintf(os.Stderr, "   - inputs: %v\n", pluginNames(schemas.Inputs))
	fmt.Fprintf(os.Stderr, "   - processors: %v\n", pluginNames(schemas.Processors))
	fmt.Fprintf(os.Stderr, "   - outputs: %v\n", pluginNames(schemas.Outputs))
}
