package txlog

import (
	"fmt"

	"github.com/roach88/rxlog/internal/ir"
)

// Kind identifies the variant of an Operation.
// The numeric values are part of the record format.
type Kind int32

const (
	KindCreate       Kind = 0
	KindDelete       Kind = 1
	KindDeleteCreate Kind = 2
)

var kindNames = map[Kind]string{
	KindCreate:       "Create",
	KindDelete:       "Delete",
	KindDeleteCreate: "DeleteCreate",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int32(k))
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind parses the String form of a kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown operation kind %q", s)
}

// Definition is what an artifact is created from: its defining expression
// and an opaque auxiliary state. Both are never nil inside an Operation.
type Definition struct {
	Expression ir.Value
	State      ir.Value
}

// Operation is one durable mutation of one named artifact.
//
// The variants are unexported; build operations with Create, Delete and
// DeleteCreate. A Delete carries no Definition.
type Operation interface {
	Kind() Kind
	operation()
}

type createOp struct {
	def Definition
}

type deleteOp struct{}

type deleteCreateOp struct {
	def Definition
}

func (*createOp) Kind() Kind       { return KindCreate }
func (*deleteOp) Kind() Kind       { return KindDelete }
func (*deleteCreateOp) Kind() Kind { return KindDeleteCreate }

func (*createOp) operation()       {}
func (*deleteOp) operation()       {}
func (*deleteCreateOp) operation() {}

func (o *createOp) String() string       { return "Create(" + describe(o.def) + ")" }
func (*deleteOp) String() string         { return "Delete" }
func (o *deleteCreateOp) String() string { return "DeleteCreate(" + describe(o.def) + ")" }

// theDelete is shared by every Delete operation.
var theDelete Operation = &deleteOp{}

// Create returns a creation of an artifact from expr and state.
// A nil expr or state is stored as ir.Null.
func Create(expr, state ir.Value) Operation {
	return &createOp{def: newDefinition(expr, state)}
}

// Delete returns the deletion operation. It is always the same value.
func Delete() Operation {
	return theDelete
}

// DeleteCreate returns the replacement of an existing artifact by a new one
// built from expr and state.
func DeleteCreate(expr, state ir.Value) Operation {
	return &deleteCreateOp{def: newDefinition(expr, state)}
}

// New builds an operation of kind k. The definition is ignored for Delete.
func New(k Kind, expr, state ir.Value) (Operation, error) {
	switch k {
	case KindCreate:
		return Create(expr, state), nil
	case KindDelete:
		return Delete(), nil
	case KindDeleteCreate:
		return DeleteCreate(expr, state), nil
	default:
		return nil, fmt.Errorf("unknown operation kind %d", int32(k))
	}
}

func newDefinition(expr, state ir.Value) Definition {
	return Definition{Expression: ir.OrNull(expr), State: ir.OrNull(state)}
}

// DefinitionOf returns the definition carried by op.
// ok is false for Delete.
func DefinitionOf(op Operation) (def Definition, ok bool) {
	switch o := op.(type) {
	case *createOp:
		return o.def, true
	case *deleteCreateOp:
		return o.def, true
	default:
		return Definition{}, false
	}
}

// Equal reports whether a and b have the same kind and equal payloads.
func Equal(a, b Operation) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	da, _ := DefinitionOf(a)
	db, _ := DefinitionOf(b)
	return ir.Equal(da.Expression, db.Expression) && ir.Equal(da.State, db.State)
}

// Describe renders op as an ir.Value for reports:
// {"kind": ..., "expression": ..., "state": ...}.
func Describe(op Operation) ir.Value {
	obj := ir.NewObject(ir.O("kind", ir.String(op.Kind().String())))
	if def, ok := DefinitionOf(op); ok {
		obj["expression"] = def.Expression
		obj["state"] = def.State
	}
	return obj
}

func describe(def Definition) string {
	expr, err := ir.MarshalValue(def.Expression)
	if err != nil {
		expr = []byte("?")
	}
	state, err := ir.MarshalValue(def.State)
	if err != nil {
		state = []byte("?")
	}
	return string(expr) + ", " + string(state)
}
