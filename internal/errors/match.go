// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package errors

// Template is a partial Err for use with Match.  Zero-valued fields are
// wildcards; the extra Kind field lets a template match on kind alone,
// without naming a specific Code.
type Template struct {
	Err
	Kind Kind
}

// T builds a Template from its arguments, keyed by type: Code, Kind, Op,
// a string for Msg, or an error for Wrapped.  Arguments of other types are
// ignored, and when a type repeats the last value wins.
func T(args ...any) *Template {
	t := &Template{}
	for _, a := range args {
		switch arg := a.(type) {
		case Code:
			t.Code = arg
		case string:
			t.Msg = arg
		case Op:
			t.Op = arg
		case *Err: // must come before "case error"
			c := *arg
			t.Wrapped = &c
		case error:
			t.Wrapped = arg
		case Kind:
			t.Kind = arg
		default:
		}
	}
	return t
}

// Info resolves the template's Code or Kind to an Info for kind matching.
func (t *Template) Info() Info {
	if t == nil {
		return errorCodeInfo[Unknown]
	}
	switch {
	case t.Code != Unknown:
		return t.Code.Info()
	case t.Kind != Other:
		return Info{
			Message: "Unknown",
			Kind:    t.Kind,
		}
	default:
		return errorCodeInfo[Unknown]
	}
}

// Error returns a fixed string.  A Template is not a usable error value and
// should never stand in for an Err.
func (t *Template) Error() string {
	return "Template error"
}

// Match reports whether err is, or wraps, an *Err whose fields equal every
// non-zero field of the template.  Wrapped templates are matched
// recursively.
func Match(t *Template, err error) bool {
	if t == nil || err == nil {
		return false
	}
	var e *Err
	if !As(err, &e) {
		return false
	}

	if t.Code != Unknown && t.Code != e.Code {
		return false
	}
	if t.Msg != "" && t.Msg != e.Msg {
		return false
	}
	if t.Op != "" && t.Op != e.Op {
		return false
	}
	if t.Kind != Other && t.Info().Kind != e.Info().Kind {
		return false
	}
	if t.Wrapped != nil {
		if wrappedT, ok := t.Wrapped.(*Template); ok {
			return Match(wrappedT, e.Wrapped)
		}
		if e.Wrapped != nil && t.Wrapped.Error() != e.Wrapped.Error() {
			return false
		}
	}

	return true
}
