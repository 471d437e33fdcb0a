// Package accounts resolves local user aliases. The backing users.txt is a
// plain list the sysop maintains, one alias per line; a missing file simply
// means no aliases resolve and callers fall back to the literal name.
package accounts

import (
	"bufio"
	"os"
	"strings"
)

// Pending is the sentinel recipient for a challenge that did not name a
// local user; whoever responds to it first claims the seat.
const Pending = "PENDING"

type Directory struct {
	path string
}

func Open(path string) *Directory {
	return &Directory{path: path}
}

// List returns the configured local aliases in file order.
func (d *Directory) List() []string {
	f, err := os.Open(d.path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var users []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		users = append(users, line)
	}
	return users
}

// Resolve matches name against local aliases case-insensitively and returns
// the stored casing.
func (d *Directory) Resolve(name string) (string, bool) {
	for _, u := range d.List() {
		if strings.EqualFold(u, name) {
			return u, true
		}
	}
	return "", false
}

// ResolveOrLiteral resolves name, falling back to the literal spelling when
// no local account matches (the remote side may know better).
func (d *Directory) ResolveOrLiteral(name string) string {
	if resolved, ok := d.Resolve(name); ok {
		return resolved
	}
	return name
}
