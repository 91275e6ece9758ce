package types

import (
	"strconv"
	"strings"

	"github.com/gear6io/polycall/pkg/errors"
)

type Param struct {
	Name     string `json:"name,omitempty"`
	Type     Type   `json:"type"`
	Optional bool   `json:"optional,omitempty"`
}

// Signature of a callable function. Once frozen (which happens when it is
// attached to a registered function) it must not be modified; use Clone to
// derive a new one.
type Signature struct {
	Return   Type    `json:"return"`
	Params   []Param `json:"params"`
	Variadic bool    `json:"variadic,omitempty"`

	frozen bool
}

func NewSignature(ret Type, params ...Param) *Signature {
	return &Signature{Return: ret, Params: params}
}

// SignatureOf is a shorthand for unnamed, required primitive parameters
func SignatureOf(ret Tag, params ...Tag) *Signature {
	sig := &Signature{Return: Of(ret), Params: make([]Param, len(params))}
	for i, p := range params {
		sig.Params[i] = Param{Type: Of(p)}
	}
	return sig
}

// AddParam appends a parameter; frozen signatures reject it with InvalidState
func (s *Signature) AddParam(p Param) error {
	if s.frozen {
		return errors.New(errors.FFIInvalidState, "signature is frozen", nil)
	}
	s.Params = append(s.Params, p)
	return nil
}

func (s *Signature) SetVariadic(variadic bool) error {
	if s.frozen {
		return errors.New(errors.FFIInvalidState, "signature is frozen", nil)
	}
	s.Variadic = variadic
	return nil
}

// Freeze returns a frozen deep copy. A frozen signature is returned as is.
func (s *Signature) Freeze() *Signature {
	if s.frozen {
		return s
	}
	c := s.Clone()
	c.frozen = true
	return c
}

func (s *Signature) Frozen() bool { return s.frozen }

// Clone returns an unfrozen copy
func (s *Signature) Clone() *Signature {
	return &Signature{
		Return:   s.Return,
		Params:   append([]Param(nil), s.Params...),
		Variadic: s.Variadic,
	}
}

// MinArgs is the number of leading required parameters
func (s *Signature) MinArgs() int {
	n := 0
	for i, p := range s.Params {
		if !p.Optional {
			n = i + 1
		}
	}
	return n
}

// CheckArgs validates arity and per parameter types. Extra arguments of a
// variadic signature are not type checked.
func (s *Signature) CheckArgs(args []Value) error {
	if len(args) < s.MinArgs() {
		return errors.New(errors.FFIInvalidParameters, "too few arguments", nil).
			AddContext("want", strconv.Itoa(s.MinArgs())).
			AddContext("have", strconv.Itoa(len(args)))
	}
	if len(args) > len(s.Params) && !s.Variadic {
		return errors.New(errors.FFIInvalidParameters, "too many arguments", nil).
			AddContext("want", strconv.Itoa(len(s.Params))).
			AddContext("have", strconv.Itoa(len(args)))
	}

	for i, arg := range args {
		if i >= len(s.Params) {
			break
		}
		p := s.Params[i]
		if !p.Type.Matches(arg.Type()) {
			name := p.Name
			if name == "" {
				name = "#" + strconv.Itoa(i)
			}
			return errors.New(errors.FFITypeMismatch, "argument type does not match signature", nil).
				AddContext("param", name).
				AddContext("want", p.Type.String()).
				AddContext("have", arg.Type().String())
		}
	}
	return nil
}

// CheckReturn validates a result against the declared return type
func (s *Signature) CheckReturn(v Value) error {
	if !s.Return.Matches(v.Type()) {
		return errors.New(errors.FFITypeMismatch, "result type does not match signature", nil).
			AddContext("want", s.Return.String()).
			AddContext("have", v.Type().String())
	}
	return nil
}

func (s *Signature) String() string {
	parts := make([]string, 0, len(s.Params)+1)
	for _, p := range s.Params {
		part := p.Type.String()
		if p.Name != "" {
			part += " " + p.Name
		}
		if p.Optional {
			part += "?"
		}
		parts = append(parts, part)
	}
	if s.Variadic {
		parts = append(parts, "...")
	}
	return "(" + strings.Join(parts, ", ") + ") -> " + s.Return.String()
}
