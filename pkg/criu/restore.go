// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package criu

import (
	"bytes"
	"strings"
	"text/template"
)

type RestoreOptions struct {
	// Criu binary.
	Criu string
	// Snapshot being restored and the snapshot it was derived from.
	StatePath string
	BaseState string
	// Absolute path of the working area that holds the activated snapshot.
	Dir   string
	Files []InheritFD
}

// RestoreScript renders the shell script that restores the checkpoint in
// <Dir>/snapshot. Captured stdout/stderr and all files of the fd area are
// reconnected to the restored process. criu matches inherited files by
// path without the leading slash.
func RestoreScript(opts RestoreOptions) []byte {
	type inherit struct {
		FD   int
		Path string
	}
	dir := strings.TrimPrefix(opts.Dir, "/")
	data := struct {
		RestoreOptions
		Images  string
		Inherit []inherit
	}{
		RestoreOptions: opts,
		Images:         opts.Dir + "/snapshot",
		Inherit: []inherit{
			{1, dir + "/stdout"},
			{2, dir + "/stderr"},
		},
	}
	for _, f := range opts.Files {
		data.Inherit = append(data.Inherit, inherit{f.FD, strings.TrimPrefix(f.Path, "/")})
	}
	buf := new(bytes.Buffer)
	if err := restoreTemplate.Execute(buf, data); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

var restoreTemplate = template.Must(template.New("").Parse(`#!/bin/bash
# {{.StatePath}}{{if .BaseState}} (base {{.BaseState}}){{end}}
{{.Criu}} restore -d -v4 -o restore.log --images-dir {{.Images}} --shell-job \
{{- range .Inherit}}
    --inherit-fd "fd[{{.FD}}]:{{.Path}}" \
{{- end}}
    && echo 'OK'
`))
