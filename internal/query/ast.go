package query

import (
	"fmt"
	"strings"
)

// Node is one node of the abstract query tree. Each node type has a defined
// evaluation contract over postings lists, implemented by the search
// executor.
type Node interface {
	node()
	String() string
}

// Term matches documents containing a single term, optionally scoped to one
// field. Unknown field names are evaluated against the default combined
// field rather than erroring.
type Term struct {
	Field string
	Word  string
}

func (*Term) node() {}

func (t *Term) String() string {
	if t.Field != "" {
		return fmt.Sprintf("term(%s:%s)", t.Field, t.Word)
	}
	return fmt.Sprintf("term(%s)", t.Word)
}

// Phrase matches documents containing the words in exact adjacency within a
// single field.
type Phrase struct {
	Field string
	Words []string
}

func (*Phrase) node() {}

func (p *Phrase) String() string {
	quoted := `"` + strings.Join(p.Words, " ") + `"`
	if p.Field != "" {
		return fmt.Sprintf("phrase(%s:%s)", p.Field, quoted)
	}
	return fmt.Sprintf("phrase(%s)", quoted)
}

// Prefix matches documents containing any indexed term with the given
// prefix (trailing-wildcard expansion).
type Prefix struct {
	Field string
	Stem  string
}

func (*Prefix) node() {}

func (p *Prefix) String() string {
	if p.Field != "" {
		return fmt.Sprintf("prefix(%s:%s*)", p.Field, p.Stem)
	}
	return fmt.Sprintf("prefix(%s*)", p.Stem)
}

// And intersects its children's document sets.
type And struct {
	Children []Node
}

func (*And) node() {}

func (a *And) String() string {
	parts := make([]string, len(a.Children))
	for i, c := range a.Children {
		parts[i] = c.String()
	}
	return "and(" + strings.Join(parts, ", ") + ")"
}

// Or unions its children's document sets.
type Or struct {
	Children []Node
}

func (*Or) node() {}

func (o *Or) String() string {
	parts := make([]string, len(o.Children))
	for i, c := range o.Children {
		parts[i] = c.String()
	}
	return "or(" + strings.Join(parts, ", ") + ")"
}

// Not complements its child's document set relative to the live corpus.
type Not struct {
	Child Node
}

func (*Not) node() {}

func (n *Not) String() string {
	return "not(" + n.Child.String() + ")"
}

// Terms returns every positive term and prefix stem referenced by the tree,
// used for suggestion rewrites and highlight assembly. Terms under NOT are
// excluded: they do not contribute matched documents.
func Terms(n Node) []string {
	var out []string
	collectTerms(n, false, false, &out)
	return out
}

// CoverageTerms returns every term and prefix stem the tree references,
// negated subtrees included. A cached result depends on its negated terms
// too: a document gaining or losing only such a term changes the result
// set.
func CoverageTerms(n Node) []string {
	var out []string
	collectTerms(n, false, true, &out)
	return out
}

func collectTerms(n Node, negated, includeNegated bool, out *[]string) {
	switch t := n.(type) {
	case *Term:
		if includeNegated || !negated {
			*out = append(*out, t.Word)
		}
	case *Phrase:
		if includeNegated || !negated {
			*out = append(*out, t.Words...)
		}
	case *Prefix:
		if includeNegated || !negated {
			*out = append(*out, t.Stem)
		}
	case *And:
		for _, c := range t.Children {
			collectTerms(c, negated, includeNegated, out)
		}
	case *Or:
		for _, c := range t.Children {
			collectTerms(c, negated, includeNegated, out)
		}
	case *Not:
		collectTerms(t.Child, !negated, includeNegated, out)
	}
}
