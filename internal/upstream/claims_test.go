package upstream

import (
	"testing"

	"github.com/damedic/fhir-toolbox-go/model/gen/r4"
	"github.com/damedic/fhir-toolbox-go/utils/ptr"
	"github.com/stretchr/testify/assert"

	"github.com/vyrodovalexey/txproxy/internal/fhir"
)

func ext(url string, value r4.ExtensionValue) r4.Extension {
	return r4.Extension{Url: url, Value: value}
}

func uri(v string) r4.Uri { return r4.Uri{Value: ptr.To(v)} }

func resource(typ string, exts []r4.Extension, ops ...fhir.CapabilityOperation) r4.CapabilityStatementRestResource {
	res := r4.CapabilityStatementRestResource{Type: r4.Code{Value: ptr.To(typ)}, Extension: exts}
	for _, op := range ops {
		res.Operation = append(res.Operation, op.Declaration())
	}
	return res
}

func TestExtractClaims(t *testing.T) {
	t.Parallel()

	cs := &r4.CapabilityStatement{
		Extension: []r4.Extension{
			ext(fhir.ExtSupportedSystem, uri("http://loinc.org")),
			ext("http://example.org/other", uri("http://ignored.org")),
		},
		Rest: []r4.CapabilityStatementRest{{
			Mode:      r4.Code{Value: ptr.To("server")},
			Extension: []r4.Extension{ext(fhir.ExtSupportedSystem, uri("http://loinc.org|2.77"))},
			Resource: []r4.CapabilityStatementRestResource{
				resource("CodeSystem", []r4.Extension{
					ext(fhir.ExtSupportedSystem, uri("http://unitsofmeasure.org")),
				}),
				resource("ValueSet", []r4.Extension{
					ext(fhir.ExtSupportedCanonical, r4.Canonical{Value: ptr.To("http://loinc.org/vs/LL715-4|2.77")}),
				}, fhir.CapabilityOperation{Name: "$validate-code", Definition: "vs-validate"}),
				resource("ConceptMap", []r4.Extension{
					ext(fhir.ExtSupportedCanonical, uri("http://example.org/cm/loinc-to-snomed")),
				}),
				resource("Patient", []r4.Extension{ext(fhir.ExtSupportedCanonical, uri("http://ignored.org/p"))}),
			},
			Operation: []r4.CapabilityStatementRestResourceOperation{
				fhir.CapabilityOperation{Name: "closure", Definition: "closure-def"}.Declaration(),
			},
		}},
	}

	got := ExtractClaims("tx-a", cs)

	assert.Equal(t, []Claim{
		{ResourceType: ResourceCodeSystem, Key: "http://loinc.org", Upstream: "tx-a"},
		{ResourceType: ResourceCodeSystem, Key: "http://unitsofmeasure.org", Upstream: "tx-a"},
		{ResourceType: ResourceValueSet, Key: "http://loinc.org/vs/LL715-4", Upstream: "tx-a"},
		{ResourceType: ResourceConceptMap, Key: "http://example.org/cm/loinc-to-snomed", Upstream: "tx-a"},
		{ResourceType: ResourceOperation, Key: ClosureKey, Upstream: "tx-a"},
	}, got)
}

func TestExtractClaims_Nil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ExtractClaims("tx-a", nil))
	assert.Nil(t, ExtractOperations(nil))
	assert.Nil(t, TerminologyClaims("tx-a", nil))
}

func TestExtractOperations(t *testing.T) {
	t.Parallel()

	cs := &r4.CapabilityStatement{
		Rest: []r4.CapabilityStatementRest{{
			Operation: []r4.CapabilityStatementRestResourceOperation{
				fhir.CapabilityOperation{Name: "lookup", Definition: "system-lookup"}.Declaration(),
			},
			Resource: []r4.CapabilityStatementRestResource{
				resource("CodeSystem", nil,
					fhir.CapabilityOperation{Name: "$lookup", Definition: "type-lookup"},
					fhir.CapabilityOperation{Name: "$subsumes", Definition: "subsumes"},
				),
			},
		}},
	}

	assert.Equal(t, []fhir.CapabilityOperation{
		{Name: "lookup", Definition: "system-lookup"},
		{Name: "subsumes", Definition: "subsumes"},
	}, ExtractOperations(cs))
}

func TestTerminologyAndMergeClaims(t *testing.T) {
	t.Parallel()

	canonical := func(v string) *r4.Canonical { return &r4.Canonical{Value: ptr.To(v)} }
	tc := &r4.TerminologyCapabilities{
		CodeSystem: []r4.TerminologyCapabilitiesCodeSystem{
			{Uri: canonical("http://snomed.info/sct")},
			{Uri: canonical("http://loinc.org")},
			{Uri: canonical("")},
			{},
		},
	}
	extra := TerminologyClaims("tx-b", tc)
	assert.Len(t, extra, 2)

	base := []Claim{{ResourceType: ResourceCodeSystem, Key: "http://loinc.org", Upstream: "tx-b"}}
	merged := MergeClaims(base, extra)
	assert.Equal(t, []Claim{
		{ResourceType: ResourceCodeSystem, Key: "http://loinc.org", Upstream: "tx-b"},
		{ResourceType: ResourceCodeSystem, Key: "http://snomed.info/sct", Upstream: "tx-b"},
	}, merged)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		health     Health
		name       string
		preference int
	}{
		{HealthUnknown, "unknown", 0},
		{HealthHealthy, "healthy", 0},
		{HealthDegraded, "degraded", 1},
		{HealthUnreachable, "unreachable", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.name, tt.health.String())
			assert.Equal(t, tt.preference, tt.health.Preference())
			data, err := tt.health.MarshalJSON()
			assert.NoError(t, err)
			assert.Equal(t, `"`+tt.name+`"`, string(data))
		})
	}
}
