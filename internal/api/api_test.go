package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOp_RoundTripsEveryName(t *testing.T) {
	for _, op := range Ops() {
		got, err := ParseOp(op.String())
		require.NoError(t, err)
		assert.Equal(t, op, got)
	}
}

func TestParseOp_Unknown(t *testing.T) {
	_, err := ParseOp("drop-everything")
	assert.Error(t, err)
}

func TestOpPath(t *testing.T) {
	assert.Equal(t, "/v1/db-job-process", OpDBJobProcess.Path())
	assert.Equal(t, "/v1/batch-zip", OpBatchZip.Path())
	assert.Equal(t, "Op(99)", Op(99).String())
}
