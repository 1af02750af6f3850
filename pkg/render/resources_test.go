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

package render

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestLiftCSSImports(t *testing.T) {
	cases := []struct {
		doc         string
		css         string
		wantImports []string
		wantRest    string
	}{
		{
			doc:      "no imports",
			css:      "body { color: red; }",
			wantRest: "body { color: red; }",
		},
		{
			doc:         "url import",
			css:         `@import url('https://fonts.example.com/css?family=Roboto'); body { color: red; }`,
			wantImports: []string{"https://fonts.example.com/css?family=Roboto"},
			wantRest:    "body { color: red; }",
		},
		{
			doc:         "bare string import",
			css:         `@import "theme.css"; h1 { margin: 0; }`,
			wantImports: []string{"theme.css"},
			wantRest:    "h1 { margin: 0; }",
		},
		{
			doc: "multiple imports",
			css: `@import url("a.css");@import 'b.css'; .x { top: 0; }`,
			wantImports: []string{
				"a.css",
				"b.css",
			},
			wantRest: ".x { top: 0; }",
		},
		{
			doc:         "import only",
			css:         `@import url(https://example.com/x.css);`,
			wantImports: []string{"https://example.com/x.css"},
			wantRest:    "",
		},
	}
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			imports, rest := liftCSSImports(c.css)
			if diff := cmp.Diff(c.wantImports, imports); diff != "" {
				t.Fatalf("unexpected imports (-want, +got): %s", diff)
			}
			require.Equal(t, c.wantRest, rest)
		})
	}
}

func TestIsURL(t *testing.T) {
	require.True(t, isURL("https://example.com/lib.js"))
	require.True(t, isURL("http://example.com/lib.js"))
	require.False(t, isURL("/opt/resources/lib.js"))
	require.False(t, isURL("lib.js"))
	require.False(t, isURL("ftp://example.com/lib.js"))
}
