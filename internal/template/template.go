// Package template renders chat message lists into model-family prompt
// strings. Templates use a deliberately small grammar: {{ expr }} output,
// {% if %}/{% elif %}/{% else %}/{% endif %}, {% for x in seq %}/{% endfor %},
// property and index access, slicing seq[a:b], == comparison, and string or
// integer literals. Anything outside the grammar is rejected when the
// template is registered.
package template

import (
	"fmt"
	"strconv"
	"strings"
)

// Template is a parsed, render-ready template.
type Template struct {
	name  string
	nodes []node
}

// Parse compiles src. Grammar violations are errors here, not at render time.
func Parse(name, src string) (*Template, error) {
	p := &parser{name: name, toks: lex(src)}
	nodes, err := p.parseNodes("")
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		return nil, fmt.Errorf("template %s: unexpected %q", name, p.toks[p.pos].text)
	}
	return &Template{name: name, nodes: nodes}, nil
}

// Render evaluates the template against vars.
func (t *Template) Render(vars map[string]any) (string, error) {
	var sb strings.Builder
	if err := renderNodes(&sb, t.nodes, vars); err != nil {
		return "", fmt.Errorf("template %s: %w", t.name, err)
	}
	return sb.String(), nil
}

// --- lexer ---

type tokenKind int

const (
	tokText tokenKind = iota
	tokExpr           // {{ ... }}
	tokStmt           // {% ... %}
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) []token {
	var toks []token
	for len(src) > 0 {
		iExpr := strings.Index(src, "{{")
		iStmt := strings.Index(src, "{%")
		i, open, close := -1, "", ""
		switch {
		case iExpr >= 0 && (iStmt < 0 || iExpr < iStmt):
			i, open, close = iExpr, "{{", "}}"
		case iStmt >= 0:
			i, open, close = iStmt, "{%", "%}"
		}
		if i < 0 {
			toks = append(toks, token{tokText, src})
			break
		}
		if i > 0 {
			toks = append(toks, token{tokText, src[:i]})
		}
		src = src[i+len(open):]
		end := strings.Index(src, close)
		if end < 0 {
			// Unterminated tag: surface as a statement token the parser
			// will reject with a position-bearing error.
			toks = append(toks, token{tokStmt, "!unterminated " + open})
			break
		}
		body := strings.TrimSpace(src[:end])
		if open == "{{" {
			toks = append(toks, token{tokExpr, body})
		} else {
			toks = append(toks, token{tokStmt, body})
		}
		src = src[end+len(close):]
	}
	return toks
}

// --- parser ---

type node interface{}

type textNode struct{ text string }

type outputNode struct{ expr expr }

type ifBranch struct {
	cond expr // nil for else
	body []node
}

type ifNode struct{ branches []ifBranch }

type forNode struct {
	varName string
	seq     expr
	body    []node
}

type parser struct {
	name string
	toks []token
	pos  int
}

// parseNodes consumes nodes until one of the given terminator statements
// (or end of input when terminators is empty). The terminator token is left
// for the caller.
func (p *parser) parseNodes(until string) ([]node, error) {
	var nodes []node
	for p.pos < len(p.toks) {
		t := p.toks[p.pos]
		switch t.kind {
		case tokText:
			nodes = append(nodes, textNode{t.text})
			p.pos++
		case tokExpr:
			e, err := parseExpr(t.text)
			if err != nil {
				return nil, fmt.Errorf("template %s: %w", p.name, err)
			}
			nodes = append(nodes, outputNode{e})
			p.pos++
		case tokStmt:
			kw := firstWord(t.text)
			switch kw {
			case "if":
				n, err := p.parseIf()
				if err != nil {
					return nil, err
				}
				nodes = append(nodes, n)
			case "for":
				n, err := p.parseFor()
				if err != nil {
					return nil, err
				}
				nodes = append(nodes, n)
			case "elif", "else", "endif", "endfor":
				if until == "" {
					return nil, fmt.Errorf("template %s: %q outside block", p.name, kw)
				}
				return nodes, nil
			default:
				return nil, fmt.Errorf("template %s: unknown statement %q", p.name, t.text)
			}
		}
	}
	if until != "" {
		return nil, fmt.Errorf("template %s: missing %s", p.name, until)
	}
	return nodes, nil
}

func (p *parser) parseIf() (node, error) {
	n := ifNode{}
	for {
		stmt := p.toks[p.pos].text
		kw := firstWord(stmt)
		p.pos++ // consume if/elif/else
		var cond expr
		if kw == "if" || kw == "elif" {
			var err error
			cond, err = parseExpr(strings.TrimSpace(stmt[len(kw):]))
			if err != nil {
				return nil, fmt.Errorf("template %s: %w", p.name, err)
			}
		}
		body, err := p.parseNodes("endif")
		if err != nil {
			return nil, err
		}
		n.branches = append(n.branches, ifBranch{cond: cond, body: body})

		if p.pos >= len(p.toks) {
			return nil, fmt.Errorf("template %s: missing endif", p.name)
		}
		next := firstWord(p.toks[p.pos].text)
		switch next {
		case "elif":
			if kw == "else" {
				return nil, fmt.Errorf("template %s: elif after else", p.name)
			}
			continue
		case "else":
			if kw == "else" {
				return nil, fmt.Errorf("template %s: duplicate else", p.name)
			}
			continue
		case "endif":
			p.pos++
			return n, nil
		default:
			return nil, fmt.Errorf("template %s: expected elif/else/endif, got %q", p.name, next)
		}
	}
}

func (p *parser) parseFor() (node, error) {
	stmt := p.toks[p.pos].text
	p.pos++
	// for <var> in <seq>
	rest := strings.TrimSpace(stmt[len("for"):])
	parts := strings.SplitN(rest, " in ", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("template %s: malformed for statement %q", p.name, stmt)
	}
	varName := strings.TrimSpace(parts[0])
	if !isIdent(varName) {
		return nil, fmt.Errorf("template %s: bad loop variable %q", p.name, varName)
	}
	seq, err := parseExpr(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", p.name, err)
	}
	body, err := p.parseNodes("endfor")
	if err != nil {
		return nil, err
	}
	if p.pos >= len(p.toks) || firstWord(p.toks[p.pos].text) != "endfor" {
		return nil, fmt.Errorf("template %s: missing endfor", p.name)
	}
	p.pos++
	return forNode{varName: varName, seq: seq, body: body}, nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// --- rendering ---

func renderNodes(sb *strings.Builder, nodes []node, vars map[string]any) error {
	for _, n := range nodes {
		switch n := n.(type) {
		case textNode:
			sb.WriteString(n.text)
		case outputNode:
			v, err := n.expr.eval(vars)
			if err != nil {
				return err
			}
			sb.WriteString(stringify(v))
		case ifNode:
			for _, br := range n.branches {
				take := br.cond == nil
				if !take {
					v, err := br.cond.eval(vars)
					if err != nil {
						return err
					}
					take = truthy(v)
				}
				if take {
					if err := renderNodes(sb, br.body, vars); err != nil {
						return err
					}
					break
				}
			}
		case forNode:
			seqV, err := n.seq.eval(vars)
			if err != nil {
				return err
			}
			items, ok := toSlice(seqV)
			if !ok {
				return fmt.Errorf("for loop over non-sequence value %T", seqV)
			}
			for _, item := range items {
				scoped := make(map[string]any, len(vars)+1)
				for k, v := range vars {
					scoped[k] = v
				}
				scoped[n.varName] = item
				if err := renderNodes(sb, n.body, scoped); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case float64:
		return v != 0
	default:
		if s, ok := toSlice(v); ok {
			return len(s) > 0
		}
		return true
	}
}

func toSlice(v any) ([]any, bool) {
	switch v := v.(type) {
	case []any:
		return v, true
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case []string:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	}
	return nil, false
}
