package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBadInvocationExits2(t *testing.T) {
	cases := map[string][]string{
		"unknown flag":         {"-definitely-not-a-flag"},
		"zero batch size":      {"-batch-size", "0"},
		"negative batch size":  {"-batch-size", "-5"},
		"negative max age":     {"-max-age-days", "-1"},
		"non-numeric duration": {"-timeout", "soon"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Equal(t, 2, run(args, &stdout, &stderr))
		})
	}
}

func TestHelpExits2(t *testing.T) {
	// flag.ContinueOnError reports -h as flag.ErrHelp, which is still
	// not a cleanup run.
	var stdout, stderr bytes.Buffer
	code := run([]string{"-h"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "batch-size")
}
