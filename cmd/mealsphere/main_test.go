package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunExitCodes(t *testing.T) {
	cases := []struct {
		name       string
		env        map[string]string
		args       []string
		code       int
		wantStdout string
		wantStderr string
	}{
		{name: "help", args: []string{"help"}, code: 0, wantStdout: "usage: mealsphere"},
		{name: "dash help", args: []string{"--help"}, code: 0, wantStdout: "commands:"},
		{name: "unknown command", args: []string{"reindex"}, code: 2, wantStderr: "usage: mealsphere"},
		{
			name: "bad config",
			env:  map[string]string{"CSRF_SECRET": "secret", "PG_MAX_CONNS": "0"},
			args: []string{"migrate", "--status"},
			code: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			var stdout, stderr bytes.Buffer
			assert.Equal(t, tc.code, run(tc.args, &stdout, &stderr))
			if tc.wantStdout != "" {
				assert.Contains(t, stdout.String(), tc.wantStdout)
			}
			if tc.wantStderr != "" {
				assert.Contains(t, stderr.String(), tc.wantStderr)
			}
		})
	}
}
