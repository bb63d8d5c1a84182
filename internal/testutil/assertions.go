// Package testutil provides test helpers shared by the actor host packages.
package testutil

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertJSONEqual compares two JSON documents for equality, ignoring formatting.
func AssertJSONEqual(t *testing.T, expected string, actual []byte, msgAndArgs ...interface{}) {
	t.Helper()

	var expectedJSON, actualJSON interface{}
	require.NoError(t, json.Unmarshal([]byte(expected), &expectedJSON), "expected JSON is invalid")
	require.NoError(t, json.Unmarshal(actual, &actualJSON), "actual JSON is invalid")

	assert.Equal(t, expectedJSON, actualJSON, msgAndArgs...)
}

// MustJSON marshals v or fails the test.
func MustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// EventuallyFileContains waits until the file at path contains substr.
func EventuallyFileContains(t *testing.T, path, substr string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(data), substr)
	}, 2*time.Second, 10*time.Millisecond, "file %s never contained %q", path, substr)
}
