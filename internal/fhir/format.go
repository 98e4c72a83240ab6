package fhir

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/damedic/fhir-toolbox-go/model"
)

// Format is a FHIR wire format.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
)

// Content types written by the proxy.
const (
	ContentTypeJSON = "application/fhir+json; charset=utf-8"
	ContentTypeXML  = "application/fhir+xml; charset=utf-8"
)

// ErrUnsupportedFormat is returned for a _format value the proxy cannot produce.
var ErrUnsupportedFormat = errors.New("unsupported _format value")

// ContentType returns the response content type for the format.
func (f Format) ContentType() string {
	if f == FormatXML {
		return ContentTypeXML
	}
	return ContentTypeJSON
}

// normalizeFormat lowercases and restores the "+" that query decoding turns
// into a space ("application/fhir json").
func normalizeFormat(raw string) string {
	f := strings.TrimSpace(strings.ToLower(raw))
	f = strings.ReplaceAll(f, "fhir json", "fhir+json")
	return strings.ReplaceAll(f, "fhir xml", "fhir+xml")
}

// ParseFormat maps a _format value or media type to a Format.
func ParseFormat(raw string) (Format, bool) {
	switch normalizeFormat(raw) {
	case "json", "application/json", "application/fhir+json", "text/json":
		return FormatJSON, true
	case "xml", "application/xml", "application/fhir+xml", "text/xml":
		return FormatXML, true
	}
	return "", false
}

// FormatOfContentType returns the format of a request body.
func FormatOfContentType(contentType string) (Format, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	return ParseFormat(mediaType)
}

// NegotiateFormat picks the response format: _format first, then the
// Accept header by quality. Anything unrecognised in Accept falls back to
// JSON; an unrecognised _format is an error.
func NegotiateFormat(r *http.Request) (Format, error) {
	if raw := r.URL.Query().Get("_format"); raw != "" {
		f, ok := ParseFormat(raw)
		if !ok {
			return FormatJSON, ErrUnsupportedFormat
		}
		return f, nil
	}
	return negotiateAccept(r.Header.Get("Accept")), nil
}

type acceptRange struct {
	mediaType string
	quality   float64
}

func negotiateAccept(header string) Format {
	if header == "" {
		return FormatJSON
	}

	var ranges []acceptRange
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(strings.TrimSpace(part), ";")
		ar := acceptRange{mediaType: strings.TrimSpace(segments[0]), quality: 1.0}
		for _, seg := range segments[1:] {
			seg = strings.TrimSpace(seg)
			if q, ok := strings.CutPrefix(seg, "q="); ok {
				if v, err := strconv.ParseFloat(q, 64); err == nil {
					ar.quality = v
				}
			}
		}
		if ar.mediaType != "" && ar.quality > 0 {
			ranges = append(ranges, ar)
		}
	}

	sort.SliceStable(ranges, func(i, j int) bool {
		return ranges[i].quality > ranges[j].quality
	})

	for _, ar := range ranges {
		if f, ok := ParseFormat(ar.mediaType); ok {
			return f
		}
	}
	return FormatJSON
}

// Marshal encodes a resource in the given format.
func Marshal(resource model.Resource, f Format) ([]byte, error) {
	var buf bytes.Buffer
	if f == FormatXML {
		buf.WriteString(xml.Header)
		if err := xml.NewEncoder(&buf).Encode(resource); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(resource); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write encodes resource and writes it with the matching content type.
func Write(w http.ResponseWriter, status int, resource model.Resource, f Format) error {
	data, err := Marshal(resource, f)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", f.ContentType())
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}
