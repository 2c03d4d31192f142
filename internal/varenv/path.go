package varenv

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// StepKind discriminates path components.
type StepKind int

const (
	// StepField looks up a named member on the current value.
	StepField StepKind = iota
	// StepIndex indexes an array-like value. Indexes are 1-based; on a
	// *List an index of length+1 appends on assignment.
	StepIndex
	// StepQualified references an ambient binding: a named root when Module
	// is empty, otherwise a module-qualified binding.
	StepQualified
	// StepUp ascends one parent in the variable's ancestry.
	StepUp
	// StepCall invokes a named callable as getter, setter, or action.
	StepCall
)

func (k StepKind) String() string {
	switch k {
	case StepField:
		return "field"
	case StepIndex:
		return "index"
	case StepQualified:
		return "qualified"
	case StepUp:
		return "up"
	case StepCall:
		return "call"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// PathStep is one component of a compiled path.
type PathStep struct {
	Kind   StepKind
	Name   string
	Index  int    // 1-based, StepIndex only
	Module string // StepQualified only
}

func (s PathStep) String() string {
	switch s.Kind {
	case StepField:
		return s.Name
	case StepIndex:
		return fmt.Sprintf("[%d]", s.Index)
	case StepQualified:
		if s.Module == "" {
			return "@" + s.Name
		}
		return "@" + s.Module + "." + s.Name
	case StepUp:
		return ".."
	case StepCall:
		return s.Name + "()"
	}
	return "?"
}

// PathString renders a compiled path back to its source form.
func PathString(path []PathStep) string {
	var b strings.Builder
	for i, s := range path {
		switch s.Kind {
		case StepIndex:
			b.WriteString(s.String())
		case StepUp:
			if i == 0 {
				b.WriteString("..")
			} else {
				b.WriteString(".")
			}
		default:
			if i > 0 && path[i-1].Kind != StepUp {
				b.WriteString(".")
			}
			b.WriteString(s.String())
		}
	}
	return b.String()
}

// ParsedName is the result of compiling a variable declaration string.
type ParsedName struct {
	Name     string            // short symbol, head without metadata or ()
	FullName string            // original declaration string
	Metadata map[string]string // nil when the declaration has none
	Callable bool              // head carried a trailing ()
	Numeric  bool              // head is an integer
	Index    int               // value of a numeric head
}

// ParseName compiles a variable declaration of the form
// `head ( "?" key ("=" value)? ("," ...)* )?`. The head is an integer or an
// identifier with optional dotted qualification; a trailing "()" marks the
// head as callable. Metadata values may escape commas as `\,`.
func ParseName(full string) (*ParsedName, error) {
	if full == "" {
		return nil, &PathError{Message: "empty variable name"}
	}
	head := full
	var metaStr string
	if i := strings.IndexByte(full, '?'); i >= 0 {
		head, metaStr = full[:i], full[i+1:]
	}
	if head == "" {
		return nil, &PathError{Message: fmt.Sprintf("missing head in %q", full)}
	}

	p := &ParsedName{FullName: full}
	if strings.HasSuffix(head, "()") {
		p.Callable = true
		head = head[:len(head)-2]
	}
	if n, err := strconv.Atoi(head); err == nil {
		if p.Callable {
			return nil, &PathError{Message: fmt.Sprintf("integer head cannot be callable in %q", full)}
		}
		p.Numeric = true
		p.Index = n
		p.Name = head
	} else {
		if !validHead(head) {
			return nil, &PathError{Message: fmt.Sprintf("illegal head %q in %q", head, full)}
		}
		p.Name = head
	}

	if metaStr != "" {
		meta, err := parseMetadata(metaStr)
		if err != nil {
			return nil, &PathError{Message: fmt.Sprintf("bad metadata in %q", full), Cause: err}
		}
		p.Metadata = meta
	}
	return p, nil
}

// parseMetadata splits `key(=value)?(,key(=value)?)*` honoring `\,` escapes.
func parseMetadata(s string) (map[string]string, error) {
	meta := make(map[string]string)
	var items []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && s[i+1] == ',' {
			cur.WriteByte(',')
			i++
			continue
		}
		if c == ',' {
			items = append(items, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	items = append(items, cur.String())

	for _, item := range items {
		if item == "" {
			return nil, fmt.Errorf("empty metadata entry")
		}
		key, value := item, ""
		if i := strings.IndexByte(item, '='); i >= 0 {
			key, value = item[:i], item[i+1:]
		}
		if key == "" {
			return nil, fmt.Errorf("empty metadata key in %q", item)
		}
		meta[key] = value
	}
	return meta, nil
}

// validHead accepts identifiers with optional dotted qualification.
func validHead(head string) bool {
	for _, seg := range strings.Split(head, ".") {
		if seg == "" {
			return false
		}
		for i, r := range seg {
			if i == 0 && !(unicode.IsLetter(r) || r == '_') {
				return false
			}
			if i > 0 && !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
				return false
			}
		}
	}
	return true
}

// ParsePath compiles a path string into components. Components are separated
// by "." (member) or addressed by "[n]" (1-based index). Runs of n dots emit
// n-1 up-traversals. A trailing "()" on a component marks a callable. An
// "@name" component references a named ambient root; module-qualified
// bindings arrive through dotted declaration heads (see derivePath).
func ParsePath(s string) ([]PathStep, error) {
	if s == "" {
		return nil, nil
	}
	var steps []PathStep
	i := 0
	for i < len(s) {
		switch {
		case s[i] == '.':
			run := 0
			for i < len(s) && s[i] == '.' {
				run++
				i++
			}
			// The first dot in a run separates components; each extra dot
			// ascends one parent. A run at the start of the path behaves
			// the same, anchored at the variable's parent value.
			for k := 1; k < run; k++ {
				steps = append(steps, PathStep{Kind: StepUp})
			}
			if i >= len(s) && run == 1 {
				return nil, &PathError{Message: fmt.Sprintf("dangling '.' in path %q", s)}
			}
		case s[i] == '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, &PathError{Message: fmt.Sprintf("unterminated index in path %q", s)}
			}
			numStr := s[i+1 : i+end]
			n, err := strconv.Atoi(numStr)
			if err != nil || n < 1 {
				return nil, &PathError{Message: fmt.Sprintf("illegal index %q in path %q", numStr, s)}
			}
			steps = append(steps, PathStep{Kind: StepIndex, Index: n})
			i += end + 1
		case s[i] == '@':
			i++
			seg, next, err := scanComponent(s, i)
			if err != nil {
				return nil, err
			}
			i = next
			if strings.HasSuffix(seg, "()") {
				return nil, &PathError{Message: fmt.Sprintf("root @%s cannot be callable in path %q", seg, s)}
			}
			steps = append(steps, PathStep{Kind: StepQualified, Name: seg})
		default:
			seg, next, err := scanComponent(s, i)
			if err != nil {
				return nil, err
			}
			if seg == "" {
				return nil, &PathError{Message: fmt.Sprintf("empty component at %d in path %q", i, s)}
			}
			i = next
			if strings.HasSuffix(seg, "()") {
				steps = append(steps, PathStep{Kind: StepCall, Name: seg[:len(seg)-2]})
			} else {
				steps = append(steps, PathStep{Kind: StepField, Name: seg})
			}
		}
	}
	return steps, nil
}

// scanComponent reads an identifier (optionally with trailing "()") starting
// at position i, stopping at '.', '[', or end of string.
func scanComponent(s string, i int) (string, int, error) {
	start := i
	for i < len(s) && s[i] != '.' && s[i] != '[' {
		i++
	}
	seg := s[start:i]
	name := strings.TrimSuffix(seg, "()")
	if name == "" || !validSegment(name) {
		return "", i, &PathError{Message: fmt.Sprintf("illegal component %q in path %q", seg, s)}
	}
	return seg, i, nil
}

func validSegment(seg string) bool {
	for i, r := range seg {
		if i == 0 && !(unicode.IsLetter(r) || r == '_') {
			return false
		}
		if i > 0 && !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return false
		}
	}
	return true
}

// derivePath computes a variable's compiled path from its parsed declaration:
// the "path" metadata when present, otherwise a single component implied by
// the head.
func derivePath(p *ParsedName) ([]PathStep, error) {
	if p.Metadata != nil {
		if ps, ok := p.Metadata["path"]; ok {
			return ParsePath(ps)
		}
	}
	switch {
	case p.Numeric:
		if p.Index < 1 {
			return nil, &PathError{Message: fmt.Sprintf("illegal index head %d in %q", p.Index, p.FullName)}
		}
		return []PathStep{{Kind: StepIndex, Index: p.Index}}, nil
	case p.Callable:
		return []PathStep{{Kind: StepCall, Name: p.Name}}, nil
	case strings.Contains(p.Name, "."):
		segs := strings.SplitN(p.Name, ".", 2)
		return []PathStep{{Kind: StepQualified, Module: segs[0], Name: segs[1]}}, nil
	default:
		return []PathStep{{Kind: StepField, Name: p.Name}}, nil
	}
}
