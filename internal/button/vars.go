package button

import (
	"regexp"
	"strings"
)

// placeholderRe matches {{name}} and {{name:default}}. The name excludes
// ':' and '}'; the default excludes '}' and may be empty. Matching is
// left-to-right and non-overlapping, so the first match wins per occurrence.
var placeholderRe = regexp.MustCompile(`\{\{([^:}]+)(?::([^}]*))?\}\}`)

// Placeholder is one template variable reference.
type Placeholder struct {
	Name       string
	Default    string
	HasDefault bool
}

// Resolution is the outcome of resolving one command template.
type Resolution struct {
	// Resolved is the literal command to run.
	Resolved string

	// Referenced lists variable names in first-reference order.
	Referenced []string

	// Seeded maps names whose template default was written into the
	// variable map during this call (first-use seeding).
	Seeded map[string]string

	// Unset lists names that had no value and no default; they resolved
	// to the empty string. Kept for diagnostics.
	Unset []string
}

// Resolve expands placeholders in template against vars. Seeding a default
// is the only mutation of vars; repeated names within one call resolve to
// the same value because later occurrences read the seeded entry.
func Resolve(template string, vars Variables) Resolution {
	res := Resolution{Seeded: make(map[string]string)}
	seen := make(map[string]bool)

	matches := placeholderRe.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 0 {
		res.Resolved = template
		return res
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(template[last:m[0]])
		last = m[1]

		name := template[m[2]:m[3]]
		hasDefault := m[4] >= 0

		if !seen[name] {
			seen[name] = true
			res.Referenced = append(res.Referenced, name)
		}

		if value, ok := vars[name]; ok {
			b.WriteString(value)
			continue
		}
		if hasDefault {
			def := template[m[4]:m[5]]
			vars[name] = def
			res.Seeded[name] = def
			b.WriteString(def)
			continue
		}
		res.Unset = append(res.Unset, name)
	}
	b.WriteString(template[last:])

	res.Resolved = b.String()
	return res
}

// Placeholders enumerates the template's variable references in order.
// Used by variable-edit mode and numeric adjust mode.
func Placeholders(template string) []Placeholder {
	matches := placeholderRe.FindAllStringSubmatchIndex(template, -1)
	out := make([]Placeholder, 0, len(matches))
	for _, m := range matches {
		p := Placeholder{Name: template[m[2]:m[3]]}
		if m[4] >= 0 {
			p.HasDefault = true
			p.Default = template[m[4]:m[5]]
		}
		out = append(out, p)
	}
	return out
}

// SeedFromButtons initializes vars from the defaults found in every button's
// command template. First-seen default wins; existing entries are kept.
func SeedFromButtons(buttons []Config, vars Variables) {
	for _, btn := range buttons {
		if btn.Command == "" {
			continue
		}
		for _, p := range Placeholders(btn.Command) {
			if _, ok := vars[p.Name]; !ok {
				vars[p.Name] = p.Default
			}
		}
	}
}

// userHostRe matches the leading user@ segment of an ssh-style target.
var userHostRe = regexp.MustCompile(`\b[\w.-]+@`)

// RewriteMobile replaces the first user@ segment of a resolved command with
// mobile@, routing the session through the mobile jump account.
func RewriteMobile(cmd string) string {
	loc := userHostRe.FindStringIndex(cmd)
	if loc == nil {
		return cmd
	}
	return cmd[:loc[0]] + "mobile@" + cmd[loc[1]:]
}

// sshPrefixRe captures the ssh invocation at the start of a device command,
// with or without an explicit user.
var sshPrefixRe = regexp.MustCompile(`(?i)^(ssh\s+[\w.-]+@[\w.-]+|ssh\s+[\w.-]+)`)

// SSHPrefix extracts the leading ssh invocation of a device command, used
// when staging a fresh window for the active device.
func SSHPrefix(cmd string) (string, bool) {
	m := sshPrefixRe.FindString(cmd)
	if m == "" {
		return "", false
	}
	return m, true
}
