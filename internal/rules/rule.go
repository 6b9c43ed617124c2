package rules

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Operation is what a rule does to the entities it matches.
type Operation int

const (
	Include Operation = iota
	Exclude
)

func (o Operation) String() string {
	switch o {
	case Include:
		return "include"
	case Exclude:
		return "exclude"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

func (o Operation) symbol() string {
	if o == Exclude {
		return "-"
	}
	return "+"
}

// Rule selects entities below Directory whose relative path matches Pattern.
// Rules without a Definition apply to every dataset definition.
type Rule struct {
	ID         int64
	Operation  Operation
	Directory  string
	Pattern    string
	Definition *uuid.UUID
}

// String returns the rule in the same form ParseRules accepts.
func (r Rule) String() string {
	s := fmt.Sprintf("%s %s %s", r.Operation.symbol(), r.Directory, r.Pattern)
	if r.Definition != nil {
		s += " @" + r.Definition.String()
	}
	return s
}

// ParseRules reads one rule per line:
//
//	# include text files, exclude caches of one definition
//	+ /home/user **/*.txt
//	- /home/user **/.cache @<definition-id>
//
// Blank lines and lines starting with '#' are skipped. A rule's ID is its line number.
func ParseRules(r io.Reader) ([]Rule, error) {
	var rules []Rule

	scanner := bufio.NewScanner(r)
	var line int64
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		rule, err := parseRule(line, text)
		if err != nil {
			return nil, fmt.Errorf("parsing rule on line %d: %w", line, err)
		}
		rules = append(rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}

	return rules, nil
}

func parseRule(id int64, text string) (Rule, error) {
	fields := strings.Fields(text)
	if len(fields) < 3 || len(fields) > 4 {
		return Rule{}, fmt.Errorf("expected '<+|-> <directory> <pattern> [@definition]', got %q", text)
	}

	rule := Rule{ID: id, Directory: fields[1], Pattern: fields[2]}

	switch fields[0] {
	case "+":
		rule.Operation = Include
	case "-":
		rule.Operation = Exclude
	default:
		return Rule{}, fmt.Errorf("unknown operation %q", fields[0])
	}

	if len(fields) == 4 {
		raw, ok := strings.CutPrefix(fields[3], "@")
		if !ok {
			return Rule{}, fmt.Errorf("expected definition as '@<id>', got %q", fields[3])
		}
		definition, err := uuid.Parse(raw)
		if err != nil {
			return Rule{}, fmt.Errorf("parsing definition: %w", err)
		}
		rule.Definition = &definition
	}

	return rule, nil
}

// ForDefinition keeps the rules that apply to the given definition.
func ForDefinition(rules []Rule, definition uuid.UUID) []Rule {
	var result []Rule
	for _, r := range rules {
		if r.Definition == nil || *r.Definition == definition {
			result = append(result, r)
		}
	}
	return result
}
