// Copyright 2024 The exportd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package version holds the server build version.
package version

import "fmt"

// Version of the export server. Overridable at build time via
// -ldflags "-X github.com/hcexport/exportd/pkg/version.Version=...".
var Version = "1.0.0"

// UserAgent returns the User-Agent header value used for outbound
// requests, e.g. CDN script fetches.
func UserAgent() string {
	return fmt.Sprintf("exportd/%s", Version)
}
