package routing

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/txproxy/internal/txerror"
	"github.com/vyrodovalexey/txproxy/internal/upstream"
)

func TestParseOperation(t *testing.T) {
	t.Parallel()

	op, ok := ParseOperation("$validate-code")
	assert.True(t, ok)
	assert.Equal(t, OpValidateCode, op)

	op, ok = ParseOperation("lookup")
	assert.True(t, ok)
	assert.Equal(t, OpLookup, op)

	_, ok = ParseOperation("$expand")
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		op       Operation
		params   url.Values
		wantKey  string
		resolved bool
		session  string
	}{
		{
			name:     "lookup by system",
			op:       OpLookup,
			params:   url.Values{"system": {"http://loinc.org"}, "code": {"1234-5"}},
			wantKey:  "http://loinc.org",
			resolved: true,
		},
		{
			name:     "lookup by coding",
			op:       OpLookup,
			params:   url.Values{"coding.system": {"http://snomed.info/sct"}},
			wantKey:  "http://snomed.info/sct",
			resolved: true,
		},
		{
			name:   "lookup bare code is unresolved",
			op:     OpLookup,
			params: url.Values{"code": {"1234-5"}},
		},
		{
			name:     "validate-code url wins over system",
			op:       OpValidateCode,
			params:   url.Values{"url": {"http://loinc.org/vs/LL715-4|2.77"}, "system": {"http://loinc.org"}},
			wantKey:  "http://loinc.org/vs/LL715-4",
			resolved: true,
		},
		{
			name:     "validate-code implicit value set",
			op:       OpValidateCode,
			params:   url.Values{"url": {"http://snomed.info/sct?fhir_vs=isa/404684003"}},
			wantKey:  "http://snomed.info/sct",
			resolved: true,
		},
		{
			name:     "validate-code codeable concept",
			op:       OpValidateCode,
			params:   url.Values{"codeableConcept.system": {"http://unitsofmeasure.org"}},
			wantKey:  "http://unitsofmeasure.org",
			resolved: true,
		},
		{
			name:     "translate url",
			op:       OpTranslate,
			params:   url.Values{"url": {"http://example.org/cm"}, "source": {"http://example.org/vs"}},
			wantKey:  "http://example.org/cm",
			resolved: true,
		},
		{
			name:     "translate source then target",
			op:       OpTranslate,
			params:   url.Values{"target": {"http://example.org/target"}, "source": {"http://example.org/source"}},
			wantKey:  "http://example.org/source",
			resolved: true,
		},
		{
			name:     "translate system",
			op:       OpTranslate,
			params:   url.Values{"system": {"http://loinc.org"}, "code": {"x"}},
			wantKey:  "http://loinc.org",
			resolved: true,
		},
		{
			name:     "closure",
			op:       OpClosure,
			params:   url.Values{"name": {"demo"}},
			wantKey:  upstream.ClosureKey,
			resolved: true,
			session:  "demo",
		},
		{
			name:   "versions never routed by key",
			op:     OpVersions,
			params: url.Values{"system": {"http://loinc.org"}},
		},
		{
			name:   "blank system is unresolved",
			op:     OpLookup,
			params: url.Values{"system": {"  "}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Classify(tt.op, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.op, got.Operation)
			assert.Equal(t, tt.wantKey, got.Key)
			assert.Equal(t, tt.resolved, got.Resolved)
			assert.Equal(t, tt.session, got.SessionName)
		})
	}
}

func TestClassify_ClosureWithoutName(t *testing.T) {
	t.Parallel()

	_, err := Classify(OpClosure, url.Values{})
	require.Error(t, err)
	assert.ErrorIs(t, err, txerror.ErrBadRequest)
}

func TestExtractParameters(t *testing.T) {
	t.Parallel()

	jsonBody := []byte(`{"resourceType":"Parameters","parameter":[
		{"name":"url","valueUri":"http://loinc.org/vs"},
		{"name":"coding","valueCoding":{"system":"http://loinc.org","code":"1"}}
	]}`)
	xmlBody := []byte(`<Parameters xmlns="http://hl7.org/fhir">
		<parameter><name value="system"/><valueUri value="http://snomed.info/sct"/></parameter>
	</Parameters>`)

	tests := []struct {
		name        string
		query       url.Values
		contentType string
		body        []byte
		want        url.Values
		wantErr     bool
	}{
		{
			name:  "query only, control parameters dropped",
			query: url.Values{"system": {"http://loinc.org"}, "_format": {"xml"}},
			want:  url.Values{"system": {"http://loinc.org"}},
		},
		{
			name:        "form body",
			contentType: "application/x-www-form-urlencoded",
			body:        []byte("system=http%3A%2F%2Floinc.org&code=1"),
			want:        url.Values{"system": {"http://loinc.org"}, "code": {"1"}},
		},
		{
			name:        "json parameters",
			contentType: "application/fhir+json; charset=utf-8",
			body:        jsonBody,
			want:        url.Values{"url": {"http://loinc.org/vs"}, "coding.system": {"http://loinc.org"}},
		},
		{
			name:        "xml parameters",
			contentType: "application/fhir+xml",
			body:        xmlBody,
			want:        url.Values{"system": {"http://snomed.info/sct"}},
		},
		{
			name:        "query and body merge",
			query:       url.Values{"code": {"1"}},
			contentType: "application/json",
			body:        []byte(`{"resourceType":"Parameters","parameter":[{"name":"system","valueUri":"http://loinc.org"}]}`),
			want:        url.Values{"code": {"1"}, "system": {"http://loinc.org"}},
		},
		{
			name:        "malformed json",
			contentType: "application/fhir+json",
			body:        []byte(`{"resourceType":`),
			wantErr:     true,
		},
		{
			name:        "wrong resource",
			contentType: "application/fhir+json",
			body:        []byte(`{"resourceType":"Bundle"}`),
			wantErr:     true,
		},
		{
			name:        "unsupported content type",
			contentType: "text/plain",
			body:        []byte("system=x"),
			wantErr:     true,
		},
		{
			name:        "invalid content type",
			contentType: "",
			body:        []byte("x"),
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ExtractParameters(tt.query, tt.contentType, tt.body)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, txerror.KindBadRequest, txerror.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
