package cmd

import (
	"bytes"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "resybook dev")
}

func TestKeysPrintsUsableKeys(t *testing.T) {
	out, err := run(t, "keys")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		_, val, ok := strings.Cut(line, "=")
		require.True(t, ok, line)
		key, err := base64.StdEncoding.DecodeString(val)
		require.NoError(t, err)
		require.Len(t, key, 32)
	}
}

func TestLinkNeedsExactlyOneSecret(t *testing.T) {
	_, err := run(t, "link", "--user-id", "1", "--email", "a@example.com")
	require.ErrorContains(t, err, "exactly one of")

	_, err = run(t, "link", "--user-id", "1", "--email", "a@example.com", "--password", "x", "--token", "y")
	require.ErrorContains(t, err, "exactly one of")
}

func TestRequestIDsAreValidated(t *testing.T) {
	_, err := run(t, "attempt", "not-a-uuid")
	require.ErrorContains(t, err, "invalid request id")

	_, err = run(t, "request", "expire", "nope", "--user-id", "1")
	require.ErrorContains(t, err, "invalid request id")
}

func TestSplitCSV(t *testing.T) {
	require.Equal(t, []string{"19:00", "19:30"}, splitCSV(" 19:00, ,19:30,"))
	require.Nil(t, splitCSV(""))
}

func TestRestaurantAddRequiresVenueAndName(t *testing.T) {
	_, err := run(t, "restaurant", "add", "--name", "Lilia")
	require.ErrorContains(t, err, "venue-id")

	_, err = run(t, "restaurant", "add", "--venue-id", "418")
	require.ErrorContains(t, err, "name")
}
