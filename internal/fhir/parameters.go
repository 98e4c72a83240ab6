package fhir

import (
	"net/url"

	"github.com/damedic/fhir-toolbox-go/model/gen/r4"
)

// ParseParameters decodes a Parameters resource in format f.
func ParseParameters(data []byte, f Format) (*r4.Parameters, error) {
	p, err := Parse[r4.Parameters](data, f)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CodeParameter is a code-valued parameter.
func CodeParameter(name, code string) r4.ParametersParameter {
	return r4.ParametersParameter{
		Name:  r4.String{Value: &name},
		Value: r4.Code{Value: &code},
	}
}

// FindParameter returns the first top-level parameter with the given name.
func FindParameter(p *r4.Parameters, name string) (r4.ParametersParameter, bool) {
	if p == nil {
		return r4.ParametersParameter{}, false
	}
	for _, param := range p.Parameter {
		if Value(param.Name.Value) == name {
			return param, true
		}
	}
	return r4.ParametersParameter{}, false
}

// PrimitiveValue returns a parameter's URI, code or string value.
func PrimitiveValue(param r4.ParametersParameter) string {
	switch v := param.Value.(type) {
	case r4.Uri:
		return Value(v.Value)
	case r4.Canonical:
		return Value(v.Value)
	case r4.Url:
		return Value(v.Value)
	case r4.Code:
		return Value(v.Value)
	case r4.String:
		return Value(v.Value)
	case r4.Id:
		return Value(v.Value)
	}
	return ""
}

// Values flattens parameters into the lookup shape used by the request
// classifier: primitive values by name, plus "<name>.system" for Coding
// and CodeableConcept values (first coding only).
func Values(p *r4.Parameters) url.Values {
	out := url.Values{}
	if p == nil {
		return out
	}
	for _, param := range p.Parameter {
		name := Value(param.Name.Value)
		if v := PrimitiveValue(param); v != "" {
			out.Add(name, v)
		}
		var system *r4.Uri
		switch v := param.Value.(type) {
		case r4.Coding:
			system = v.System
		case r4.CodeableConcept:
			if len(v.Coding) > 0 {
				system = v.Coding[0].System
			}
		}
		if system != nil && Value(system.Value) != "" {
			out.Add(name+".system", Value(system.Value))
		}
	}
	return out
}
