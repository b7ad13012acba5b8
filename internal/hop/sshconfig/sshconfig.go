// Package sshconfig reads and writes the OpenSSH-config-style file the hop
// service persists credentials to, with icotes-specific metadata embedded
// in a trailing comment on each Host block (grounded on
// ssh_config_parser.py / ssh_config_writer.py). The format stays readable
// by (and compatible with) VS Code's Remote-SSH config.
package sshconfig

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Entry is a single Host block, standard SSH directives plus icotes
// metadata recovered from its "# icotes-meta:" comment.
type Entry struct {
	Host         string
	HostName     string
	User         string
	Port         int
	IdentityFile string

	ID          string
	Auth        string
	DefaultPath string
	CreatedAt   string
	UpdatedAt   string
}

var metaPattern = regexp.MustCompile(`icotes-meta:\s*(\{.*\})`)

type metadata struct {
	ID          string `json:"id,omitempty"`
	Auth        string `json:"auth,omitempty"`
	DefaultPath string `json:"defaultPath,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

// Parse reads SSH config text into its Host entries.
func Parse(text string) []Entry {
	var entries []Entry
	var current *Entry
	var pendingComments []string

	flush := func() {
		if current == nil {
			return
		}
		applyMetadata(current, pendingComments)
		entries = append(entries, *current)
		current = nil
		pendingComments = nil
	}

	for _, line := range strings.Split(text, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}
		if strings.HasPrefix(stripped, "#") {
			pendingComments = append(pendingComments, stripped)
			continue
		}

		parts := strings.SplitN(stripped, " ", 2)
		directive := strings.ToLower(strings.TrimSpace(parts[0]))
		// Directives may also be tab-separated; fall back to field split.
		if len(parts) == 1 {
			fields := strings.Fields(stripped)
			if len(fields) >= 1 {
				directive = strings.ToLower(fields[0])
			}
			parts = fields
		}
		value := ""
		if len(parts) > 1 {
			value = strings.Trim(strings.TrimSpace(strings.Join(parts[1:], " ")), `"'`)
		}

		if directive == "host" {
			flush()
			current = &Entry{Host: value, Port: 22}
			continue
		}
		if current == nil {
			continue
		}
		switch directive {
		case "hostname":
			current.HostName = value
		case "user":
			current.User = value
		case "port":
			if p, err := strconv.Atoi(value); err == nil {
				current.Port = p
			}
		case "identityfile":
			current.IdentityFile = value
		}
	}
	flush()
	return entries
}

func applyMetadata(e *Entry, comments []string) {
	for _, c := range comments {
		m := metaPattern.FindStringSubmatch(c)
		if m == nil {
			continue
		}
		var md metadata
		if err := json.Unmarshal([]byte(m[1]), &md); err != nil {
			continue
		}
		e.ID = md.ID
		e.Auth = md.Auth
		e.DefaultPath = md.DefaultPath
		e.CreatedAt = md.CreatedAt
		e.UpdatedAt = md.UpdatedAt
		return
	}
}

// Generate renders entries back into SSH config text, the inverse of Parse.
func Generate(entries []Entry) string {
	var b strings.Builder
	b.WriteString("# icotes hop configuration\n")
	b.WriteString("# This file is compatible with VS Code Remote SSH config\n\n")

	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Host %s\n", e.Host)
		if e.HostName != "" {
			fmt.Fprintf(&b, "    HostName %s\n", e.HostName)
		}
		if e.User != "" {
			fmt.Fprintf(&b, "    User %s\n", e.User)
		}
		fmt.Fprintf(&b, "    Port %d\n", e.Port)
		if e.IdentityFile != "" {
			fmt.Fprintf(&b, "    IdentityFile %s\n", e.IdentityFile)
		}

		md := metadata{ID: e.ID, Auth: e.Auth, DefaultPath: e.DefaultPath, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
		raw, _ := json.Marshal(md)
		fmt.Fprintf(&b, "    # icotes-meta: %s\n", string(raw))
	}
	return b.String()
}
