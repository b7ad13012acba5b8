package sshconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateThenParseRoundTrip(t *testing.T) {
	entries := []Entry{
		{Host: "build-box", HostName: "10.0.0.5", User: "deploy", Port: 22, ID: "cred-1", Auth: "password", CreatedAt: "t1", UpdatedAt: "t2"},
		{Host: "gpu-box", HostName: "10.0.0.9", User: "ml", Port: 2200, IdentityFile: "~/.icotes/ssh/keys/cred-2", ID: "cred-2", Auth: "privateKey", DefaultPath: "/home/ml"},
	}

	text := Generate(entries)
	parsed := Parse(text)

	require.Len(t, parsed, 2)
	require.Equal(t, "build-box", parsed[0].Host)
	require.Equal(t, "10.0.0.5", parsed[0].HostName)
	require.Equal(t, "cred-1", parsed[0].ID)
	require.Equal(t, "password", parsed[0].Auth)

	require.Equal(t, "gpu-box", parsed[1].Host)
	require.Equal(t, 2200, parsed[1].Port)
	require.Equal(t, "/home/ml", parsed[1].DefaultPath)
	require.Equal(t, "privateKey", parsed[1].Auth)
}

func TestParseIgnoresRegularComments(t *testing.T) {
	text := "# a generic note\nHost x\n    HostName 1.2.3.4\n    Port 22\n"
	entries := Parse(text)
	require.Len(t, entries, 1)
	require.Equal(t, "x", entries[0].Host)
	require.Empty(t, entries[0].ID)
}

func TestParseInvalidPortKeepsDefault(t *testing.T) {
	text := "Host x\n    Port notanumber\n"
	entries := Parse(text)
	require.Len(t, entries, 1)
	require.Equal(t, 22, entries[0].Port)
}
