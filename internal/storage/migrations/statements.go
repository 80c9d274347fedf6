package migrations

import (
	"fmt"
	"io/fs"
	"strings"
)

// eachStatement calls apply for every statement of every .sql file in dir,
// in lexical file order.
func eachStatement(fsys fs.FS, dir string, apply func(file, stmt string) error) error {
	files, err := sqlFiles(fsys, dir)
	if err != nil {
		return err
	}
	for _, file := range files {
		data, err := fs.ReadFile(fsys, dir+"/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if err := validateNoSemicolonInStrings(string(data)); err != nil {
			return fmt.Errorf("validate migration %s: %w", file, err)
		}
		for _, stmt := range splitStatements(string(data)) {
			if err := apply(file, stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

// splitStatements splits SQL content into statements by semicolon after
// dropping blank and "--" comment lines.
//
// It does not understand string literals, block comments or dollar quoting,
// so migrations must not put semicolons in any of them.
// validateNoSemicolonInStrings enforces the string-literal part.
func splitStatements(input string) []string {
	var filtered []string
	for _, line := range strings.Split(input, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		filtered = append(filtered, line)
	}

	var stmts []string
	for _, part := range strings.Split(strings.Join(filtered, "\n"), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// validateNoSemicolonInStrings rejects SQL with a semicolon inside a
// single-quoted literal.
func validateNoSemicolonInStrings(sql string) error {
	inString := false
	for i := 0; i < len(sql); i++ {
		switch ch := sql[i]; {
		case ch == '\'' && i+1 < len(sql) && sql[i+1] == '\'':
			i++ // escaped quote
		case ch == '\'':
			inString = !inString
		case ch == ';' && inString:
			return fmt.Errorf("semicolon inside string literal at offset %d", i)
		}
	}
	return nil
}
