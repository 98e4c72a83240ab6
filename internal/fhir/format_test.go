package fhir

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		target  string
		accept  string
		want    Format
		wantErr bool
	}{
		{name: "default json", target: "/metadata", want: FormatJSON},
		{name: "format xml", target: "/metadata?_format=xml", want: FormatXML},
		{name: "format mime decoded plus", target: "/metadata?_format=application/fhir+xml", want: FormatXML},
		{name: "format json wins over accept", target: "/metadata?_format=json", accept: "application/fhir+xml", want: FormatJSON},
		{name: "unknown format", target: "/metadata?_format=turtle", want: FormatJSON, wantErr: true},
		{name: "accept xml", target: "/metadata", accept: "application/fhir+xml", want: FormatXML},
		{name: "accept by quality", target: "/metadata", accept: "application/fhir+json;q=0.5, application/fhir+xml;q=0.9", want: FormatXML},
		{name: "accept wildcard", target: "/metadata", accept: "*/*", want: FormatJSON},
		{name: "accept unsupported", target: "/metadata", accept: "text/html", want: FormatJSON},
		{name: "accept zero quality skipped", target: "/metadata", accept: "application/fhir+xml;q=0, text/plain", want: FormatJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}

			got, err := NegotiateFormat(req)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFormat_QueryDecodedSpace(t *testing.T) {
	t.Parallel()

	f, ok := ParseFormat("application/fhir json")
	require.True(t, ok)
	assert.Equal(t, FormatJSON, f)
}

func TestFormatOfContentType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		contentType string
		want        Format
		ok          bool
	}{
		{contentType: "application/fhir+json; charset=utf-8", want: FormatJSON, ok: true},
		{contentType: "application/json", want: FormatJSON, ok: true},
		{contentType: "application/fhir+xml", want: FormatXML, ok: true},
		{contentType: "application/x-www-form-urlencoded", ok: false},
		{contentType: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			t.Parallel()

			got, ok := FormatOfContentType(tt.contentType)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWrite(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	outcome := NewOperationOutcome(SeverityError, IssueNotSupported, "no route")

	require.NoError(t, Write(rec, http.StatusNotFound, outcome, FormatXML))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ContentTypeXML, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `<OperationOutcome xmlns="http://hl7.org/fhir">`)
	assert.Contains(t, rec.Body.String(), `<diagnostics value="no route">`)
}
