package cgroup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtractsThirdField(t *testing.T) {
	input := strings.NewReader("4:memory:/htcondor/condor_1234/5678\n5:cpu:/other\n")
	result := parse(input)
	require.NotNil(t, result)
	assert.Equal(t, "/htcondor/condor_1234/5678", *result)
}

func TestParseNoMatchReturnsUnknown(t *testing.T) {
	input := strings.NewReader("4:memory:/user.slice\n5:cpu:/other\n")
	result := parse(input)
	require.NotNil(t, result)
	assert.Equal(t, "Unknown", *result)
}

func TestDiscoverMissingPidReturnsNil(t *testing.T) {
	result := Discover(999999999)
	assert.Nil(t, result)
}
