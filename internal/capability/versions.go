package capability

import (
	"strings"

	"github.com/damedic/fhir-toolbox-go/model/gen/r4"
	"github.com/damedic/fhir-toolbox-go/utils/ptr"

	"github.com/vyrodovalexey/txproxy/internal/fhir"
)

// VersionsDefinition returns the OperationDefinition served at
// /OperationDefinition/fso-versions.
func (a *Aggregator) VersionsDefinition() *r4.OperationDefinition {
	return &r4.OperationDefinition{
		Id:           &r4.Id{Value: ptr.To(VersionsDefinitionID)},
		Url:          &r4.Uri{Value: ptr.To(a.VersionsURL())},
		Name:         r4.String{Value: ptr.To("Versions")},
		Title:        &r4.String{Value: ptr.To("Supported FHIR versions")},
		Status:       r4.Code{Value: ptr.To("active")},
		Kind:         r4.Code{Value: ptr.To("operation")},
		Description:  &r4.Markdown{Value: ptr.To("Lists the FHIR versions this server supports and the default version.")},
		AffectsState: &r4.Boolean{Value: ptr.To(false)},
		Code:         r4.Code{Value: ptr.To("versions")},
		System:       r4.Boolean{Value: ptr.To(true)},
		Type:         r4.Boolean{Value: ptr.To(false)},
		Instance:     r4.Boolean{Value: ptr.To(false)},
		Parameter: []r4.OperationDefinitionParameter{
			outputParameter("version", "*", "A supported FHIR version, as major.minor"),
			outputParameter("default", "1", "The version used when the client does not ask for one"),
		},
	}
}

func outputParameter(name, upper, doc string) r4.OperationDefinitionParameter {
	return r4.OperationDefinitionParameter{
		Name:          r4.Code{Value: ptr.To(name)},
		Use:           r4.Code{Value: ptr.To("out")},
		Min:           r4.Integer{Value: ptr.To[int32](1)},
		Max:           r4.String{Value: ptr.To(upper)},
		Documentation: &r4.String{Value: ptr.To(doc)},
		Type:          &r4.Code{Value: ptr.To("code")},
	}
}

// Versions answers $versions for the configured FHIR release.
func (a *Aggregator) Versions() *r4.Parameters {
	v := MajorMinor(a.info.FHIRVersion)
	return &r4.Parameters{Parameter: []r4.ParametersParameter{
		fhir.CodeParameter("version", v),
		fhir.CodeParameter("default", v),
	}}
}

// MajorMinor trims a FHIR release such as "4.0.1" to "4.0".
func MajorMinor(version string) string {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return version
	}
	return parts[0] + "." + parts[1]
}
