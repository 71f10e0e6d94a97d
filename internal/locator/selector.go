// Copyright 2025 Joseph Cumines

package locator

import (
	"regexp"
	"strings"

	"github.com/joeycumines/macos-authority/internal/rpcerr"
)

// SelectorKind tags a Selector node.
type SelectorKind int

const (
	SelectorEmpty SelectorKind = iota
	SelectorRole
	SelectorText
	SelectorTextContains
	SelectorTextRegex
	SelectorPosition
	SelectorAttributes
	SelectorAnd
	SelectorOr
	SelectorNot
)

// Selector is a recursive tagged tree. Leaf predicates are role equality,
// text equality, text substring, text regex, position-with-tolerance, and
// attribute-map equality. Interior nodes are AND (n>=1), OR (n>=1), and
// NOT (n==1, but its single child may itself be an AND/OR wrapping a list
// of sub-selectors). An empty selector (SelectorEmpty) matches all
// elements.
type Selector struct {
	Kind SelectorKind

	Role          string
	Text          string
	Pattern       string
	Point         Point
	Tolerance     float64
	Attributes    map[string]string

	Children []*Selector

	compiled *regexp.Regexp
}

// Point is a 2D coordinate used by position selectors.
type Point struct {
	X, Y float64
}

// Compile validates a selector tree, pre-compiling any text_regex nodes so
// Evaluate never needs to return an error for a pattern it has already
// accepted. Invalid patterns fail here with invalid-argument, matching the
// requirement that a bad regex fails the RPC rather than silently
// mismatching.
func Compile(s *Selector) (*Selector, error) {
	if s == nil {
		return &Selector{Kind: SelectorEmpty}, nil
	}
	switch s.Kind {
	case SelectorTextRegex:
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, rpcerr.InvalidArgument("invalid_regex", "invalid text_regex pattern %q: %v", s.Pattern, err)
		}
		out := *s
		out.compiled = re
		return &out, nil
	case SelectorAnd, SelectorOr, SelectorNot:
		children := make([]*Selector, 0, len(s.Children))
		for _, c := range s.Children {
			compiledChild, err := Compile(c)
			if err != nil {
				return nil, err
			}
			children = append(children, compiledChild)
		}
		out := *s
		out.Children = children
		return &out, nil
	default:
		out := *s
		return &out, nil
	}
}

// Evaluate reports whether el matches the selector. The selector must have
// been produced by Compile.
func Evaluate(s *Selector, el Element) bool {
	if s == nil {
		return true
	}
	switch s.Kind {
	case SelectorEmpty:
		return true
	case SelectorRole:
		return el.Role == s.Role
	case SelectorText:
		return elementText(el) == s.Text
	case SelectorTextContains:
		return strings.Contains(elementText(el), s.Text)
	case SelectorTextRegex:
		if s.compiled == nil {
			return false
		}
		return s.compiled.MatchString(elementText(el))
	case SelectorPosition:
		cx := el.Bounds.X + el.Bounds.Width/2
		cy := el.Bounds.Y + el.Bounds.Height/2
		dx := cx - s.Point.X
		dy := cy - s.Point.Y
		return dx*dx+dy*dy <= s.Tolerance*s.Tolerance
	case SelectorAttributes:
		for k, v := range s.Attributes {
			if el.Attributes[k] != v {
				return false
			}
		}
		return true
	case SelectorAnd:
		for _, c := range s.Children {
			if !Evaluate(c, el) {
				return false
			}
		}
		return true
	case SelectorOr:
		for _, c := range s.Children {
			if Evaluate(c, el) {
				return true
			}
		}
		return false
	case SelectorNot:
		// NOT always evaluates as the negation of all-satisfy over its
		// children, whether that's a single sub-selector or a list
		// wrapped by the caller in an implicit AND.
		return !allSatisfy(s.Children, el)
	default:
		return false
	}
}

func allSatisfy(children []*Selector, el Element) bool {
	for _, c := range children {
		if !Evaluate(c, el) {
			return false
		}
	}
	return true
}

// elementText is value-then-title fallback, per the text predicate rule.
func elementText(el Element) string {
	if el.Value != "" {
		return el.Value
	}
	return el.Title
}
