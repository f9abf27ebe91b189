// Copyright 2016 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package config

import (
	"path/filepath"
	"testing"

	"github.com/fgsect/fitm/pkg/osutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nested struct {
	Aaa int    `json:"aaa"`
	Bbb string `json:"bbb"`
}

type testConfig struct {
	Foo int               `json:"foo"`
	Bar string            `json:"bar"`
	Qux []string          `json:"qux"`
	Box nested            `json:"box"`
	Env map[string]string `json:"env"`
}

func TestLoad(t *testing.T) {
	tests := []struct {
		input  string
		output testConfig
		err    bool
	}{
		{
			input:  `{"foo": 42}`,
			output: testConfig{Foo: 42},
		},
		{
			input: `
# comment lines are allowed
{
	"foo": 1,
	# even inside
	"box": {"aaa": 12, "bbb": "bbb"}
}`,
			output: testConfig{Foo: 1, Box: nested{Aaa: 12, Bbb: "bbb"}},
		},
		{
			input:  `{"qux": ["aaa", "bbb"], "env": {"A": "1"}}`,
			output: testConfig{Qux: []string{"aaa", "bbb"}, Env: map[string]string{"A": "1"}},
		},
		{
			input: `{"foobar": 42}`,
			err:   true,
		},
		{
			input: `{"box": {"aaa": 12, "ccc": "bbb"}}`,
			err:   true,
		},
	}
	for i, test := range tests {
		var cfg testConfig
		err := LoadData([]byte(test.input), &cfg)
		if test.err {
			assert.Error(t, err, "#%v", i)
			continue
		}
		require.NoError(t, err, "#%v", i)
		if diff := cmp.Diff(test.output, cfg); diff != "" {
			t.Errorf("#%v: config mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestLoadYAML(t *testing.T) {
	var cfg testConfig
	require.NoError(t, LoadYAML([]byte(`
foo: 7
qux: [a, b]
box:
  aaa: 1
  bbb: x
`), &cfg))
	assert.Equal(t, testConfig{Foo: 7, Qux: []string{"a", "b"}, Box: nested{Aaa: 1, Bbb: "x"}}, cfg)

	assert.Error(t, LoadYAML([]byte("unknown: 1\n"), &cfg))
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	want := testConfig{Foo: 3, Bar: "bar", Env: map[string]string{"K": "V"}}
	file := filepath.Join(dir, "cfg.json")
	require.NoError(t, osutil.WriteFile(file, []byte(`{
	# comments are allowed
	"foo": 3,
	"bar": "bar",
	"env": {"K": "V"}
}`)))
	var got testConfig
	require.NoError(t, LoadFile(file, &got))
	assert.Equal(t, want, got)

	assert.Error(t, LoadFile("", &got))
	assert.Error(t, LoadFile(filepath.Join(dir, "missing.yaml"), &got))
}
