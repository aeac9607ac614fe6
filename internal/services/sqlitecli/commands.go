package sqlitecli

import (
	"strings"
)

const (
	// DumpCommand renders the whole database as SQL.
	DumpCommand = ".dump"
	// SchemaCommand renders table and index definitions only.
	SchemaCommand = ".schema"
	// TablesCommand lists table names in columns.
	TablesCommand = ".tables"

	tableListQuery = `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' ORDER BY rowid;`
)

// RecoverFlags maps onto the options of the shell's .recover command.
type RecoverFlags struct {
	IgnoreFreelist    bool
	NoRowids          bool
	LostAndFoundTable string
}

// RecoverCommand builds the .recover dot-command for flags.
func RecoverCommand(flags RecoverFlags) string {
	parts := []string{".recover"}
	if flags.IgnoreFreelist {
		parts = append(parts, "--ignore-freelist")
	}
	if flags.NoRowids {
		parts = append(parts, "--no-rowids")
	}
	if name := strings.TrimSpace(flags.LostAndFoundTable); name != "" {
		parts = append(parts, "--lost-and-found", QuoteArg(name))
	}
	return strings.Join(parts, " ")
}

// DumpTableCommand builds a .dump restricted to one table. The shell matches
// the argument with LIKE ... ESCAPE '\', so wildcard characters in the name
// are escaped to keep the dump from picking up neighbouring tables.
func DumpTableCommand(table string) string {
	return DumpCommand + " " + QuoteArg(EscapeLike(table))
}

// EscapeLike escapes LIKE wildcards using backslash as the escape character.
func EscapeLike(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(value)
}

// QuoteArg quotes a dot-command argument. Single quotes pass the text through
// untouched; names that contain a single quote fall back to double quotes with
// backslash escapes.
func QuoteArg(value string) string {
	if !strings.Contains(value, "'") {
		return "'" + value + "'"
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range value {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// Args assembles a batch-mode invocation against dbPath running commands in order.
func Args(dbPath string, commands ...string) []string {
	args := make([]string, 0, len(commands)+2)
	args = append(args, "-batch", dbPath)
	return append(args, commands...)
}

// ParseTableNames reads one table name per line, as printed in list mode.
func ParseTableNames(output string) []string {
	var names []string
	seen := map[string]struct{}{}
	for _, line := range strings.Split(output, "\n") {
		name := strings.TrimRight(line, "\r")
		if strings.TrimSpace(name) == "" || isInternalTable(name) {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// ParseTablesColumns reads the whitespace-separated column layout printed by
// .tables. Names containing spaces cannot be recovered from this format.
func ParseTablesColumns(output string) []string {
	var names []string
	seen := map[string]struct{}{}
	for _, field := range strings.Fields(output) {
		if isInternalTable(field) {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		names = append(names, field)
	}
	return names
}

func isInternalTable(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), "sqlite_")
}
