// Package fhir adapts the FHIR R4 model to the proxy: decoding upstream
// documents into r4 resources, the routing views derived from them, and
// content negotiation for the proxy's own responses.
package fhir

import (
	"bytes"
	"encoding/json"
	"encoding/xml"

	"github.com/damedic/fhir-toolbox-go/model"
	"github.com/damedic/fhir-toolbox-go/model/gen/r4"
)

// Extension URLs recognised during capability discovery.
const (
	ExtSupportedSystem    = "http://hl7.org/fhir/StructureDefinition/capabilitystatement-supported-system"
	ExtSupportedCanonical = "http://txproxy.dev/fhir/StructureDefinition/supported-canonical"
)

// SubsettedSystem and SubsettedCode form the meta.tag marking a resource
// that omits detail from its source.
const (
	SubsettedSystem  = "http://terminology.hl7.org/CodeSystem/v3-ObservationValue"
	SubsettedCode    = "SUBSETTED"
	SubsettedDisplay = "Subsetted"
)

// CapabilityOperation is a declared operation reduced to what routing
// compares: its name and the canonical of its definition.
type CapabilityOperation struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// Operation converts an r4 operation declaration to its routing view.
func Operation(op r4.CapabilityStatementRestResourceOperation) CapabilityOperation {
	return CapabilityOperation{Name: Value(op.Name.Value), Definition: Value(op.Definition.Value)}
}

// Declaration converts a routing view back to an r4 operation declaration.
func (op CapabilityOperation) Declaration() r4.CapabilityStatementRestResourceOperation {
	return r4.CapabilityStatementRestResourceOperation{
		Name:       r4.String{Value: &op.Name},
		Definition: r4.Canonical{Value: &op.Definition},
	}
}

// Value dereferences a primitive's value, treating absent as empty.
func Value[T any](v *T) T {
	if v == nil {
		return *new(T)
	}
	return *v
}

// ExtensionValue returns the URI-like value an extension carries, or ""
// for other value types.
func ExtensionValue(ext r4.Extension) string {
	switch v := ext.Value.(type) {
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
	}
	return ""
}

// Parse decodes a resource of type R in format f. A well-formed document
// of another resource type yields an *UnexpectedResourceError.
func Parse[R model.Resource](data []byte, f Format) (R, error) {
	var (
		want      R
		contained r4.ContainedResource
		err       error
	)
	if f == FormatXML {
		err = xml.NewDecoder(bytes.NewReader(data)).Decode(&contained)
	} else {
		err = json.Unmarshal(data, &contained)
	}
	if err != nil {
		if got, ok := rootType(data, f); ok && got != want.ResourceType() {
			return want, &UnexpectedResourceError{Expected: want.ResourceType(), Got: got}
		}
		return want, err
	}
	r, ok := contained.Resource.(R)
	if !ok {
		return want, &UnexpectedResourceError{Expected: want.ResourceType(), Got: contained.Resource.ResourceType()}
	}
	return r, nil
}

// rootType reads the resource type named by a well-formed document.
func rootType(data []byte, f Format) (string, bool) {
	if f == FormatXML {
		var root struct{ XMLName xml.Name }
		if err := xml.Unmarshal(data, &root); err != nil {
			return "", false
		}
		return root.XMLName.Local, true
	}
	var doc struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", false
	}
	return doc.ResourceType, true
}

// ParseCapabilityStatement decodes a JSON CapabilityStatement.
func ParseCapabilityStatement(data []byte) (*r4.CapabilityStatement, error) {
	cs, err := Parse[r4.CapabilityStatement](data, FormatJSON)
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// ParseTerminologyCapabilities decodes a JSON TerminologyCapabilities.
func ParseTerminologyCapabilities(data []byte) (*r4.TerminologyCapabilities, error) {
	tc, err := Parse[r4.TerminologyCapabilities](data, FormatJSON)
	if err != nil {
		return nil, err
	}
	return &tc, nil
}

// UnexpectedResourceError reports a document of the wrong resource type.
type UnexpectedResourceError struct {
	Expected string
	Got      string
}

func (e *UnexpectedResourceError) Error() string {
	if e.Got == "" {
		return "expected " + e.Expected + ", got document without resourceType"
	}
	return "expected " + e.Expected + ", got " + e.Got
}
