package filter

import (
	"fmt"
	"strings"
	"unicode"
)

var sqlOps = map[Op][2]string{
	Equal:          {"=", "!="},
	Greater:        {">", "<="},
	GreaterOrEqual: {">=", "<"},
	Less:           {"<", ">="},
	LessOrEqual:    {"<=", ">"},
	InSet:          {"IN", "NOT IN"},
	Like:           {"LIKE", "NOT LIKE"},
}

// MySQL treats a backslash in a literal as an escape itself.
const likeEscape = "!"

var likeReplacer = strings.NewReplacer(
	likeEscape, likeEscape+likeEscape,
	"%", likeEscape+"%",
	"_", likeEscape+"_",
	"*", "%",
)

// likePattern turns a '*' pattern into a LIKE pattern matching anywhere in the value.
func likePattern(pattern string) string {
	return "%" + likeReplacer.Replace(pattern) + "%"
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

// ToSql renders the part as "property op ?" with its parameters. The operator is flipped
// instead of wrapping the expression in NOT.
func (p Part) ToSql() (string, []any, error) {
	if !validIdentifier(p.Property) {
		return "", nil, fmt.Errorf("filter: invalid property name %q", p.Property)
	}
	tokens, ok := sqlOps[p.Op]
	if !ok {
		return "", nil, fmt.Errorf("%w: %d", ErrInvalidOperator, int(p.Op))
	}
	token := tokens[0]
	if p.Negated {
		token = tokens[1]
	}

	switch p.Op {
	case InSet:
		values := toList(p.Value)
		if len(values) == 0 {
			// IN () is not valid SQL.
			if p.Negated {
				return "1=1", nil, nil
			}
			return "1=0", nil, nil
		}
		marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		return p.Property + " " + token + " (" + marks + ")", values, nil
	case Like:
		// LOWER on both sides since Postgres compares case-sensitively.
		return "LOWER(" + p.Property + ") " + token + " LOWER(?) ESCAPE '" + likeEscape + "'",
			[]any{likePattern(fmt.Sprint(p.Value))}, nil
	}
	return p.Property + " " + token + " ?", []any{p.Value}, nil
}

// ToSql renders the group as a parenthesized expression with '?' placeholders.
// The signature satisfies squirrel.Sqlizer.
func (g Group) ToSql() (string, []any, error) {
	joiner := " AND "
	if g.Op == Or {
		joiner = " OR "
	}

	var args []any
	exprs := make([]string, 0, len(g.Parts)+len(g.Groups))
	for _, p := range g.Parts {
		sql, partArgs, err := p.ToSql()
		if err != nil {
			return "", nil, err
		}
		exprs = append(exprs, sql)
		args = append(args, partArgs...)
	}
	for _, sub := range g.Groups {
		sql, subArgs, err := sub.ToSql()
		if err != nil {
			return "", nil, err
		}
		exprs = append(exprs, sql)
		args = append(args, subArgs...)
	}

	var body string
	switch {
	case len(exprs) > 0:
		body = strings.Join(exprs, joiner)
	case g.Op == Or:
		body = "1=0"
	default:
		body = "1=1"
	}
	sql := "(" + body + ")"
	if g.Negated {
		sql = "NOT " + sql
	}
	return sql, args, nil
}
