package classifier

import "regexp"

// entry is one row of the taxonomy table. An entry either substitutes the
// first capture group of pattern into template, or carries a fixed remedy
// list. Template entries fall back to remedies when the pattern does not
// match the failure text.
type entry struct {
	description string
	pattern     *regexp.Regexp
	template    string
	remedies    []string
}

var taxonomy = map[string]entry{
	"ModuleNotFoundError": {
		description: "A required package is not installed.",
		pattern:     regexp.MustCompile(`No module named '(\w+)'`),
		template:    "pip install %s",
		remedies: []string{
			"Check the spelling of the module name",
			"Install the missing package into the interpreter's environment",
		},
	},
	"ImportError": {
		description: "The name cannot be imported from the module.",
		pattern:     regexp.MustCompile(`cannot import name '(\w+)' from '(\w+)'`),
		remedies: []string{
			"Check that the name is spelled correctly",
			"Check that the function or class actually exists in the module",
			"Check that the installed package version is compatible",
		},
	},
	"NameError": {
		description: "A variable or function is used but was never defined.",
		pattern:     regexp.MustCompile(`name '(\w+)' is not defined`),
		remedies: []string{
			"Check the spelling of the variable or function name",
			"Make sure the variable is defined before it is used",
			"Check for a missing import statement",
		},
	},
	"SyntaxError": {
		description: "The source contains a syntax error.",
		pattern:     regexp.MustCompile(`invalid syntax`),
		remedies: []string{
			"Check that every bracket and parenthesis is closed",
			"Check for a missing colon (:)",
			"Check that the indentation is correct",
			"Check that every string quote is closed",
		},
	},
	"IndentationError": {
		description: "The indentation is inconsistent.",
		pattern:     regexp.MustCompile(`unexpected indent|expected an indented block`),
		remedies: []string{
			"Indent consistently (tabs or four spaces, not both)",
			"Indent the line following a colon after a def, class or control statement",
			"Align statements within the same block to the same level",
		},
	},
	"TypeError": {
		description: "An operation was applied to a value of the wrong type.",
		pattern:     regexp.MustCompile(`unsupported operand type|'(\w+)' object`),
		remedies: []string{
			"Check the types of the values involved (int, str, list, ...)",
			"Convert values explicitly where needed, e.g. str() or int()",
			"Check that the operation is supported for that type",
		},
	},
	"AttributeError": {
		description: "The object has no such attribute or method.",
		pattern:     regexp.MustCompile(`'(\w+)' object has no attribute '(\w+)'`),
		remedies: []string{
			"Check the spelling of the attribute or method name",
			"Check that the object has the type you expect",
			"Check that the feature exists in the installed version",
		},
	},
	"IndexError": {
		description: "A list index is out of range.",
		pattern:     regexp.MustCompile(`list index out of range`),
		remedies: []string{
			"Check the length of the list with len()",
			"Remember that indexes start at 0",
			"Check that the list is not empty",
		},
	},
}

const unknownDescription = "The error is not in the known taxonomy."

var unknownRemedies = []string{
	"Read the error message carefully",
	"Search for the error message online",
	"Check the documentation of the libraries involved",
}

// highSeverity lists the kinds that prevent a program from starting at all.
var highSeverity = map[string]bool{
	"SyntaxError":         true,
	"IndentationError":    true,
	"ModuleNotFoundError": true,
	"ImportError":         true,
	"NameError":           true,
}

// Kinds returns the error kinds present in the taxonomy table.
func Kinds() []string {
	kinds := make([]string, 0, len(taxonomy))
	for k := range taxonomy {
		kinds = append(kinds, k)
	}
	return kinds
}

// Known reports whether kind is a taxonomy entry.
func Known(kind string) bool {
	_, ok := taxonomy[kind]
	return ok
}
