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

// Package bundle registers the components of the benthos binary: the free
// Redpanda Connect bundle plus the Sparkplug B input, output and processor.
package bundle

import (
	_ "github.com/redpanda-data/connect/public/bundle/free/v4"

	_ "github.com/united-manufacturing-hub/sparkplug-engine/sparkplug_plugin"
)
