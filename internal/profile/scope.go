package profile

import (
	"encoding/binary"
	"fmt"
)

// ScopeKind discriminates the variants of Scope (§3). Ordering here is also
// the primary key of the child sort order used at identifier assignment
// (§4.2: "scope kind first, then scope payload in canonical byte order").
type ScopeKind uint8

const (
	ScopeGlobal ScopeKind = iota
	ScopeUnknown
	ScopePoint
	ScopeFunction
	ScopeLexicalLoop
	ScopeBinaryLoop
	ScopeLine
	ScopePlaceholder
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeGlobal:
		return "global"
	case ScopeUnknown:
		return "unknown"
	case ScopePoint:
		return "point"
	case ScopeFunction:
		return "function"
	case ScopeLexicalLoop:
		return "lexical_loop"
	case ScopeBinaryLoop:
		return "binary_loop"
	case ScopeLine:
		return "line"
	case ScopePlaceholder:
		return "placeholder"
	default:
		return "unknown_scope_kind"
	}
}

// PlaceholderShortcode is the 8-byte ASCII address a placeholder Context
// occupies as its "point" address in the reserved load-module id 0 (§4.2).
type PlaceholderShortcode [8]byte

// NewPlaceholderShortcode copies s into 8 bytes, truncating longer strings
// and padding shorter ones with trailing zero bytes. s is not checked for
// ASCII.
func NewPlaceholderShortcode(s string) PlaceholderShortcode {
	var code PlaceholderShortcode
	copy(code[:], s)
	return code
}

// Scope is the tagged union from §3: `{global, unknown, point(lm,offset),
// function(func), lexical_loop(func,line), binary_loop(lm,offset),
// line(file,line), placeholder(kind)}`. Only the fields relevant to Kind
// are meaningful; the rest are zero. Scope is comparable (no slices/maps),
// so it can key a Go map directly alongside (parent, relation).
type Scope struct {
	Kind ScopeKind

	LoadModuleID LoadModuleID // point, binary_loop
	Offset       uint64       // point, binary_loop

	FunctionID FunctionID // function, lexical_loop
	Line       uint32     // lexical_loop, line

	FileID FileID // line

	Placeholder PlaceholderShortcode // placeholder
}

func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }
func UnknownScope() Scope { return Scope{Kind: ScopeUnknown} }

func PointScope(lm LoadModuleID, offset uint64) Scope {
	return Scope{Kind: ScopePoint, LoadModuleID: lm, Offset: offset}
}

func FunctionScope(fn FunctionID) Scope {
	return Scope{Kind: ScopeFunction, FunctionID: fn}
}

func LexicalLoopScope(fn FunctionID, line uint32) Scope {
	return Scope{Kind: ScopeLexicalLoop, FunctionID: fn, Line: line}
}

func BinaryLoopScope(lm LoadModuleID, offset uint64) Scope {
	return Scope{Kind: ScopeBinaryLoop, LoadModuleID: lm, Offset: offset}
}

func LineScope(file FileID, line uint32) Scope {
	return Scope{Kind: ScopeLine, FileID: file, Line: line}
}

func PlaceholderScope(code PlaceholderShortcode) Scope {
	return Scope{Kind: ScopePlaceholder, LoadModuleID: PlaceholderLoadModuleID, Placeholder: code}
}

// IsLoop reports whether this scope denotes a lexical or binary loop, the
// predicate governing `lex_aware` scope propagation and the pullNoLoops
// rule in post-order finalization (§4.3).
func (s Scope) IsLoop() bool {
	return s.Kind == ScopeLexicalLoop || s.Kind == ScopeBinaryLoop
}

// SortKey returns the canonical byte-order key used to order children that
// share a parent for deterministic identifier assignment: scope kind first,
// then scope payload in canonical byte order (§4.2).
func (s Scope) SortKey() []byte {
	buf := make([]byte, 1, 25)
	buf[0] = byte(s.Kind)
	switch s.Kind {
	case ScopePoint, ScopeBinaryLoop:
		buf = binary.BigEndian.AppendUint32(buf, uint32(s.LoadModuleID))
		buf = binary.BigEndian.AppendUint64(buf, s.Offset)
	case ScopeFunction:
		buf = binary.BigEndian.AppendUint32(buf, uint32(s.FunctionID))
	case ScopeLexicalLoop:
		buf = binary.BigEndian.AppendUint32(buf, uint32(s.FunctionID))
		buf = binary.BigEndian.AppendUint32(buf, s.Line)
	case ScopeLine:
		buf = binary.BigEndian.AppendUint32(buf, uint32(s.FileID))
		buf = binary.BigEndian.AppendUint32(buf, s.Line)
	case ScopePlaceholder:
		buf = append(buf, s.Placeholder[:]...)
	}
	return buf
}

// Relation is a Context's edge label to its parent (§3). Call and
// inlined-call edges are "call edges": metric propagation for the
// `function` scope stops at them (§4.3).
type Relation uint8

const (
	RelationSubscope Relation = iota
	RelationCall
	RelationInlinedCall
	RelationEnclosingLexical
)

func (r Relation) String() string {
	switch r {
	case RelationSubscope:
		return "subscope"
	case RelationCall:
		return "call"
	case RelationInlinedCall:
		return "inlined_call"
	case RelationEnclosingLexical:
		return "enclosing_lexical"
	default:
		return "unknown_relation"
	}
}

// IsCallEdge reports whether crossing this edge stops `function`-scope
// propagation (§4.3's pullFunc = !is_call(s.relation)).
func (r Relation) IsCallEdge() bool {
	return r == RelationCall || r == RelationInlinedCall
}

// ChildKey is the deduplication key for the CCT unifier's per-parent child map: a
// (relation, scope) pair scoped to a single parent Context (§4.2, §5 —
// "lookup is wait-free on a concurrent hash set keyed by (relation,
// scope)"). It is comparable, so it can be a map key directly.
type ChildKey struct {
	Relation Relation
	Scope    Scope
}

func (k ChildKey) String() string {
	return fmt.Sprintf("%s/%s", k.Relation, k.Scope.Kind)
}
