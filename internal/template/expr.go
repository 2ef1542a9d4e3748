package template

import (
	"fmt"
	"strconv"
	"strings"
)

// expr is a parsed expression: equality over primaries, where a primary is a
// literal or a variable path with property access, indexing and slicing.
type expr interface {
	eval(vars map[string]any) (any, error)
}

type literalExpr struct{ v any }

func (e literalExpr) eval(map[string]any) (any, error) { return e.v, nil }

type equalityExpr struct{ left, right expr }

func (e equalityExpr) eval(vars map[string]any) (any, error) {
	l, err := e.left.eval(vars)
	if err != nil {
		return nil, err
	}
	r, err := e.right.eval(vars)
	if err != nil {
		return nil, err
	}
	return stringify(l) == stringify(r), nil
}

type pathSegment struct {
	// exactly one of these is active
	property string
	index    expr
	sliceLo  expr // slice when isSlice; nil bound = open
	sliceHi  expr
	isSlice  bool
}

type pathExpr struct {
	root     string
	segments []pathSegment
}

func (e pathExpr) eval(vars map[string]any) (any, error) {
	v, ok := vars[e.root]
	if !ok {
		return nil, nil // undefined variables render empty, like missing fields
	}
	for _, seg := range e.segments {
		var err error
		v, err = seg.apply(v, vars)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (s pathSegment) apply(v any, vars map[string]any) (any, error) {
	switch {
	case s.property != "":
		m, ok := v.(map[string]any)
		if !ok {
			return nil, nil
		}
		return m[s.property], nil
	case s.isSlice:
		items, ok := toSlice(v)
		if !ok {
			return nil, fmt.Errorf("slice of non-sequence value %T", v)
		}
		lo, hi := 0, len(items)
		if s.sliceLo != nil {
			n, err := evalInt(s.sliceLo, vars)
			if err != nil {
				return nil, err
			}
			lo = clampIndex(n, len(items))
		}
		if s.sliceHi != nil {
			n, err := evalInt(s.sliceHi, vars)
			if err != nil {
				return nil, err
			}
			hi = clampIndex(n, len(items))
		}
		if lo > hi {
			lo = hi
		}
		return items[lo:hi], nil
	default:
		items, ok := toSlice(v)
		if !ok {
			return nil, fmt.Errorf("index of non-sequence value %T", v)
		}
		n, err := evalInt(s.index, vars)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			n += len(items)
		}
		if n < 0 || n >= len(items) {
			return nil, nil
		}
		return items[n], nil
	}
}

// clampIndex resolves negative indices and bounds n to [0, length].
func clampIndex(n, length int) int {
	if n < 0 {
		n += length
	}
	if n < 0 {
		return 0
	}
	if n > length {
		return length
	}
	return n
}

func evalInt(e expr, vars map[string]any) (int, error) {
	v, err := e.eval(vars)
	if err != nil {
		return 0, err
	}
	switch v := v.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

// parseExpr compiles one expression string.
func parseExpr(src string) (expr, error) {
	s := &exprScanner{src: src}
	e, err := s.parseEquality()
	if err != nil {
		return nil, err
	}
	s.skipSpace()
	if s.pos < len(s.src) {
		return nil, fmt.Errorf("unexpected %q in expression %q", s.src[s.pos:], src)
	}
	return e, nil
}

type exprScanner struct {
	src string
	pos int
}

func (s *exprScanner) skipSpace() {
	for s.pos < len(s.src) && s.src[s.pos] == ' ' {
		s.pos++
	}
}

func (s *exprScanner) parseEquality() (expr, error) {
	left, err := s.parsePrimary()
	if err != nil {
		return nil, err
	}
	s.skipSpace()
	if strings.HasPrefix(s.src[s.pos:], "==") {
		s.pos += 2
		right, err := s.parsePrimary()
		if err != nil {
			return nil, err
		}
		return equalityExpr{left: left, right: right}, nil
	}
	return left, nil
}

func (s *exprScanner) parsePrimary() (expr, error) {
	s.skipSpace()
	if s.pos >= len(s.src) {
		return nil, fmt.Errorf("unexpected end of expression %q", s.src)
	}
	c := s.src[s.pos]

	// string literal, single or double quoted
	if c == '\'' || c == '"' {
		end := strings.IndexByte(s.src[s.pos+1:], c)
		if end < 0 {
			return nil, fmt.Errorf("unterminated string in expression %q", s.src)
		}
		lit := s.src[s.pos+1 : s.pos+1+end]
		s.pos += end + 2
		return literalExpr{lit}, nil
	}

	// integer literal
	if c == '-' || (c >= '0' && c <= '9') {
		start := s.pos
		s.pos++
		for s.pos < len(s.src) && s.src[s.pos] >= '0' && s.src[s.pos] <= '9' {
			s.pos++
		}
		n, err := strconv.Atoi(s.src[start:s.pos])
		if err != nil {
			return nil, fmt.Errorf("bad integer in expression %q", s.src)
		}
		return literalExpr{n}, nil
	}

	// variable path
	start := s.pos
	for s.pos < len(s.src) && isIdentByte(s.src[s.pos]) {
		s.pos++
	}
	if s.pos == start {
		return nil, fmt.Errorf("unexpected %q in expression %q", string(c), s.src)
	}
	p := pathExpr{root: s.src[start:s.pos]}

	for s.pos < len(s.src) {
		switch s.src[s.pos] {
		case '.':
			s.pos++
			pstart := s.pos
			for s.pos < len(s.src) && isIdentByte(s.src[s.pos]) {
				s.pos++
			}
			if s.pos == pstart {
				return nil, fmt.Errorf("missing property name in expression %q", s.src)
			}
			p.segments = append(p.segments, pathSegment{property: s.src[pstart:s.pos]})
		case '[':
			s.pos++
			seg, err := s.parseBracket()
			if err != nil {
				return nil, err
			}
			p.segments = append(p.segments, seg)
		default:
			return p, nil
		}
	}
	return p, nil
}

// parseBracket parses the interior of [index] or [lo:hi] after '['.
func (s *exprScanner) parseBracket() (pathSegment, error) {
	s.skipSpace()
	var lo expr
	var err error
	if s.pos < len(s.src) && s.src[s.pos] != ':' {
		lo, err = s.parsePrimary()
		if err != nil {
			return pathSegment{}, err
		}
	}
	s.skipSpace()
	if s.pos < len(s.src) && s.src[s.pos] == ':' {
		s.pos++
		s.skipSpace()
		var hi expr
		if s.pos < len(s.src) && s.src[s.pos] != ']' {
			hi, err = s.parsePrimary()
			if err != nil {
				return pathSegment{}, err
			}
		}
		s.skipSpace()
		if s.pos >= len(s.src) || s.src[s.pos] != ']' {
			return pathSegment{}, fmt.Errorf("missing ] in expression %q", s.src)
		}
		s.pos++
		return pathSegment{isSlice: true, sliceLo: lo, sliceHi: hi}, nil
	}
	if s.pos >= len(s.src) || s.src[s.pos] != ']' {
		return pathSegment{}, fmt.Errorf("missing ] in expression %q", s.src)
	}
	if lo == nil {
		return pathSegment{}, fmt.Errorf("empty index in expression %q", s.src)
	}
	s.pos++
	return pathSegment{index: lo}, nil
}

func isIdentByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
