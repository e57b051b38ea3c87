// Copyright 2025 Ryan McCoy
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

// Command spine is the spine-core CLI.
package main

import (
	"os"

	"github.com/ryansmccoy/spine-core/internal/commands"
	"github.com/ryansmccoy/spine-core/internal/daemon"
)

func main() {
	os.Exit(commands.Execute(daemon.Version))
}
