package tensor

import (
	"fmt"
	"strings"
)

// Parameter is a named trainable tensor together with its gradient buffer.
type Parameter struct {
	Name         string
	Value        *Tensor
	Grad         *Tensor
	RequiresGrad bool
}

// NewParameter wraps value as a trainable parameter with a zeroed gradient.
func NewParameter(name string, value *Tensor) *Parameter {
	grad := Zeros(value.Shape...)
	grad.device = value.device
	return &Parameter{
		Name:         name,
		Value:        value,
		Grad:         grad,
		RequiresGrad: true,
	}
}

// ZeroGrad clears the gradient buffer.
func (p *Parameter) ZeroGrad() {
	if p.Grad != nil {
		p.Grad.Zero()
	}
}

// Matches reports whether the parameter name contains any of the patterns.
func (p *Parameter) Matches(patterns []string) bool {
	for _, pattern := range patterns {
		if pattern != "" && strings.Contains(p.Name, pattern) {
			return true
		}
	}
	return false
}

// CountTrainable returns the number of scalar weights that receive gradients.
func CountTrainable(params []*Parameter) int {
	n := 0
	for _, p := range params {
		if p.RequiresGrad {
			n += p.Value.Len()
		}
	}
	return n
}

// ZeroGrads clears every gradient in params.
func ZeroGrads(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// Index maps parameter names to parameters and rejects duplicates.
func Index(params []*Parameter) (map[string]*Parameter, error) {
	byName := make(map[string]*Parameter, len(params))
	for _, p := range params {
		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		byName[p.Name] = p
	}
	return byName, nil
}
