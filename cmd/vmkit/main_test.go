package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoMainRunsDemonstrationAndShutsDown(t *testing.T) {
	var stdErr bytes.Buffer
	code := doMain(nil, &stdErr)
	require.Equal(t, 0, code, "stderr: %s", stdErr.String())
}

func TestDoMainReportsBadFlag(t *testing.T) {
	var stdErr bytes.Buffer
	code := doMain([]string{"--not-a-real-flag"}, &stdErr)
	require.Equal(t, 1, code)
	require.NotEmpty(t, stdErr.String())
}
