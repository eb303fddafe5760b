package wiki

import (
	"fmt"
	"strings"
	"time"
)

// categoryTerms expands the well-known category names into the search
// vocabulary actually used on wiki pages. Unknown categories pass
// through verbatim.
var categoryTerms = map[string][]string{
	"runbook": {"runbook", "procedure", "troubleshoot", "incident", "operations"},
	"api":     {"api", "endpoint", "rest", "reference"},
	"guide":   {"guide", "howto", "tutorial", "documentation"},
}

// escapeCQL escapes backslashes, double quotes, and single quotes for
// embedding inside a quoted CQL literal.
func escapeCQL(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `'`, `\'`)
	return r.Replace(s)
}

func textClause(term string) string {
	return fmt.Sprintf(`text ~ "%s"`, escapeCQL(term))
}

// spaceClause builds the disjuncted space filter, or "" when unscoped.
func spaceClause(spaces []string) string {
	if len(spaces) == 0 {
		return ""
	}
	parts := make([]string, len(spaces))
	for i, s := range spaces {
		parts[i] = fmt.Sprintf(`space = "%s"`, escapeCQL(s))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// searchCQL builds the free-text query. Categories expand to their term
// sets and join the text clause as a disjunction; every query is pinned
// to current pages.
func searchCQL(query string, spaces, categories []string, maxAgeDays int, now time.Time) string {
	clauses := []string{textClause(query)}

	var catClauses []string
	for _, c := range categories {
		terms, ok := categoryTerms[strings.ToLower(c)]
		if !ok {
			terms = []string{c}
		}
		for _, t := range terms {
			catClauses = append(catClauses, textClause(t))
		}
	}
	if len(catClauses) > 0 {
		clauses = append(clauses, "("+strings.Join(catClauses, " OR ")+")")
	}

	return assemble(clauses, spaces, maxAgeDays, now)
}

// runbookCQL builds the structural runbook query: a disjunction over the
// alert type, severity, and the runbook vocabulary.
func runbookCQL(alertType, severity string, spaces []string) string {
	terms := []string{alertType, severity, "runbook", "procedure", "troubleshoot", "incident"}
	var parts []string
	for _, t := range terms {
		if strings.TrimSpace(t) == "" {
			continue
		}
		parts = append(parts, textClause(t))
	}
	clauses := []string{"(" + strings.Join(parts, " OR ") + ")"}
	return assemble(clauses, spaces, 0, time.Time{})
}

func assemble(clauses []string, spaces []string, maxAgeDays int, now time.Time) string {
	if sc := spaceClause(spaces); sc != "" {
		clauses = append(clauses, sc)
	}
	clauses = append(clauses, "type = page", "status = current")
	if maxAgeDays > 0 {
		cutoff := now.AddDate(0, 0, -maxAgeDays).Format("2006-01-02")
		clauses = append(clauses, fmt.Sprintf("lastModified >= %s", cutoff))
	}
	return strings.Join(clauses, " AND ")
}
