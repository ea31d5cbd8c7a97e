package schema

import (
	"strconv"
	"strings"
)

// Branch names used in step paths.
const (
	BranchThen = "then"
	BranchElse = "else"
)

// StepSegment is one element of a step path: either an index into the
// current branch's step list, or a then/else branch selector.
type StepSegment struct {
	Index  int
	Branch string // "" for index segments
}

// IsBranch reports whether the segment selects a condition branch.
func (s StepSegment) IsBranch() bool { return s.Branch != "" }

func (s StepSegment) String() string {
	if s.IsBranch() {
		return s.Branch
	}
	return strconv.Itoa(s.Index)
}

// StepPath addresses one node in a step tree. The dotted string form
// (e.g. "0.then.1") is only a serialization concern; internally paths are
// segment vectors.
type StepPath []StepSegment

func (p StepPath) String() string {
	parts := make([]string, len(p))
	for i, seg := range p {
		parts[i] = seg.String()
	}
	return strings.Join(parts, ".")
}

// Child returns the path extended with an index segment.
func (p StepPath) Child(index int) StepPath {
	child := make(StepPath, len(p), len(p)+1)
	copy(child, p)
	return append(child, StepSegment{Index: index})
}

// Into returns the path extended with a branch segment.
func (p StepPath) Into(branch string) StepPath {
	child := make(StepPath, len(p), len(p)+1)
	copy(child, p)
	return append(child, StepSegment{Branch: branch})
}

// ParseStepPath parses a dotted step path. Each segment is a non-negative
// integer or the literal "then"/"else".
func ParseStepPath(raw string) (StepPath, error) {
	if raw == "" {
		return nil, NewError(ErrCodeValidation, "step path is empty")
	}
	parts := strings.Split(raw, ".")
	path := make(StepPath, 0, len(parts))
	for _, part := range parts {
		switch part {
		case BranchThen, BranchElse:
			path = append(path, StepSegment{Branch: part})
		default:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 {
				return nil, NewErrorf(ErrCodeValidation,
					"invalid step path segment %q in %q: expected non-negative index, %q or %q",
					part, raw, BranchThen, BranchElse)
			}
			path = append(path, StepSegment{Index: idx})
		}
	}
	return path, nil
}

// StepByPath resolves a path against a step list. A branch segment is valid
// only when the previously resolved step is a condition; it selects that
// condition's branch list and leaves the current step unresolved until the
// next index segment. The path must end on a concrete step.
func StepByPath(steps []Step, path StepPath) (*Step, error) {
	if len(path) == 0 {
		return nil, NewError(ErrCodeValidation, "step path is empty")
	}

	current := steps
	var resolved *Step

	for _, seg := range path {
		if seg.IsBranch() {
			if resolved == nil {
				return nil, NewErrorf(ErrCodeValidation,
					"step path %q: %q segment without a preceding step index", path, seg.Branch)
			}
			if resolved.Type != StepCondition {
				return nil, NewErrorf(ErrCodeValidation,
					"step path %q: %q segment on non-condition step (%s)", path, seg.Branch, resolved.Type)
			}
			if seg.Branch == BranchThen {
				current = resolved.Then
			} else {
				current = resolved.Else
			}
			resolved = nil
			continue
		}

		if seg.Index >= len(current) {
			return nil, NewErrorf(ErrCodeValidation,
				"step path %q: index %d out of range (branch has %d steps)", path, seg.Index, len(current))
		}
		resolved = &current[seg.Index]
	}

	if resolved == nil {
		return nil, NewErrorf(ErrCodeValidation,
			"step path %q does not resolve to a concrete step", path)
	}
	return resolved, nil
}
