// Package command parses RouterOS CLI-style command text into the immutable
// form the transports consume. A command like
//
//	/ip firewall filter add chain=input action=drop
//
// carries one menu path (/ip/firewall/filter), one verb (add) and key=value
// arguments. The package supplies both device dialects: API sentence words
// for the binary protocol and the CLI line for the SSH shell.
package command

import (
	"fmt"
	"strings"
)

// Command is the parsed, immutable form of one operator command.
type Command struct {
	raw  string
	path []string
	verb string
	args []Arg
}

// Arg is a single key=value command argument.
type Arg struct {
	Key   string
	Value string
}

// Verbs the parser recognizes as terminal words of a menu path. Anything
// else after the path is treated as an argument.
var knownVerbs = map[string]bool{
	"print": true, "export": true, "find": true, "get": true,
	"monitor": true, "add": true, "set": true, "edit": true,
	"remove": true, "enable": true, "disable": true, "move": true,
	"comment": true, "reboot": true, "shutdown": true, "install": true,
	"downgrade": true, "save": true, "load": true, "import": true,
	"reset-configuration": true, "upgrade": true, "check-for-updates": true,
	"reset": true, "repartition": true, "ping": true,
}

// Parse turns raw CLI-style text into a Command. The text must start with a
// menu path beginning with '/'.
func Parse(raw string) (*Command, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty command")
	}
	if !strings.HasPrefix(trimmed, "/") {
		return nil, fmt.Errorf("command must start with a menu path: %q", raw)
	}

	fields := strings.Fields(trimmed)
	cmd := &Command{raw: trimmed}

	for i, f := range fields {
		switch {
		case strings.Contains(f, "="):
			kv := strings.SplitN(f, "=", 2)
			cmd.args = append(cmd.args, Arg{Key: kv[0], Value: kv[1]})
		case cmd.verb != "" || len(cmd.args) > 0:
			// Bare words after the verb are positional arguments
			// (e.g. "print" flags like "detail").
			cmd.args = append(cmd.args, Arg{Key: f})
		case knownVerbs[f]:
			cmd.verb = f
		default:
			if i == 0 {
				// Leading path may arrive slash-joined: /ip/address/print.
				parts := strings.Split(strings.Trim(f, "/"), "/")
				if last := parts[len(parts)-1]; len(parts) > 1 && knownVerbs[last] {
					cmd.path = append(cmd.path, parts[:len(parts)-1]...)
					cmd.verb = last
				} else {
					cmd.path = append(cmd.path, parts...)
				}
			} else {
				cmd.path = append(cmd.path, f)
			}
		}
	}

	if len(cmd.path) == 0 || cmd.path[0] == "" {
		return nil, fmt.Errorf("command has no menu path: %q", raw)
	}
	if cmd.verb == "" {
		// RouterOS treats a bare menu as an implicit print.
		cmd.verb = "print"
	}
	return cmd, nil
}

// Raw returns the original command text.
func (c *Command) Raw() string { return c.raw }

// Path returns the slash-joined menu path, e.g. "/system/package".
func (c *Command) Path() string { return "/" + strings.Join(c.path, "/") }

// Verb returns the terminal action word, e.g. "print" or "remove".
func (c *Command) Verb() string { return c.verb }

// Args returns the parsed key=value arguments.
func (c *Command) Args() []Arg { return c.args }

// APIWords renders the command as a RouterOS API sentence: the command word
// followed by attribute words.
func (c *Command) APIWords() []string {
	words := []string{c.Path() + "/" + c.verb}
	for _, a := range c.args {
		// Positional flags ("detail") carry an empty value, which the API
		// accepts as an attribute word with no payload.
		words = append(words, "="+a.Key+"="+a.Value)
	}
	return words
}

// ShellText renders the command in the CLI dialect executed over SSH, where
// menu levels are space-separated: "/ip firewall filter add chain=input".
func (c *Command) ShellText() string {
	parts := []string{"/" + strings.Join(c.path, " "), c.verb}
	for _, a := range c.args {
		if a.Value == "" {
			parts = append(parts, a.Key)
		} else {
			parts = append(parts, a.Key+"="+a.Value)
		}
	}
	return strings.Join(parts, " ")
}
