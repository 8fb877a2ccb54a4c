// Package migrations embeds the PostgreSQL schema scripts
package migrations

import (
	"embed"
	"fmt"
)

//go:embed *.sql
var files embed.FS

// Script returns the schema script for direction "up" or "down"
func Script(direction string) (string, string, error) {
	if direction != "up" && direction != "down" {
		return "", "", fmt.Errorf("unknown migration direction %q", direction)
	}
	name := fmt.Sprintf("001_create_schema.%s.sql", direction)
	content, err := files.ReadFile(name)
	if err != nil {
		return "", "", fmt.Errorf("failed to read migration %s: %w", name, err)
	}
	return name, string(content), nil
}
