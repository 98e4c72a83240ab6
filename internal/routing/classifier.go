package routing

import (
	"mime"
	"net/url"
	"strings"

	"github.com/vyrodovalexey/txproxy/internal/fhir"
	"github.com/vyrodovalexey/txproxy/internal/txerror"
	"github.com/vyrodovalexey/txproxy/internal/upstream"
)

// Operation is a proxied terminology operation, named without the "$".
type Operation string

// Proxied operations.
const (
	OpLookup       Operation = "lookup"
	OpValidateCode Operation = "validate-code"
	OpTranslate    Operation = "translate"
	OpClosure      Operation = "closure"
	OpVersions     Operation = "versions"
)

// Operations lists every proxied operation in name order.
var Operations = []Operation{OpClosure, OpLookup, OpTranslate, OpValidateCode, OpVersions}

// ParseOperation accepts "lookup" or "$lookup".
func ParseOperation(name string) (Operation, bool) {
	op := Operation(strings.TrimPrefix(name, "$"))
	switch op {
	case OpLookup, OpValidateCode, OpTranslate, OpClosure, OpVersions:
		return op, true
	}
	return "", false
}

// Classification is the routing decision input for one request.
type Classification struct {
	Operation Operation
	// Key is the canonical routing key; empty when unresolved.
	Key      string
	Resolved bool
	// SessionName is set for closure calls.
	SessionName string
}

// parameter lookup order per operation; "<name>.system" reads the system
// of a Coding or the first coding of a CodeableConcept.
var keyParameters = map[Operation][]string{
	OpLookup:       {"system", "coding.system"},
	OpValidateCode: {"url", "system", "coding.system", "codeableConcept.system"},
	OpTranslate:    {"url", "source", "target", "system", "coding.system", "codeableConcept.system"},
}

// Classify extracts the routing key for op from its parameters. It never
// contacts an upstream.
func Classify(op Operation, params url.Values) (Classification, error) {
	c := Classification{Operation: op}

	switch op {
	case OpClosure:
		name := strings.TrimSpace(params.Get("name"))
		if name == "" {
			return c, txerror.New(txerror.KindBadRequest, "$closure requires a name parameter")
		}
		c.SessionName = name
		c.Key = upstream.ClosureKey
		c.Resolved = true
		return c, nil

	case OpVersions:
		return c, nil
	}

	for _, name := range keyParameters[op] {
		if key := fhir.CanonicalKey(params.Get(name)); key != "" {
			c.Key = key
			c.Resolved = true
			return c, nil
		}
	}
	return c, nil
}

// ExtractParameters collects operation parameters from the query string
// and, for POST, from a form or a FHIR Parameters body in JSON or XML.
func ExtractParameters(query url.Values, contentType string, body []byte) (url.Values, error) {
	out := url.Values{}
	for k, vs := range query {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = append(out[k], vs...)
	}
	if len(body) == 0 {
		return out, nil
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, txerror.Wrap(txerror.KindBadRequest, err, "invalid Content-Type %q", contentType)
	}

	var fromBody url.Values
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		fromBody, err = url.ParseQuery(string(body))
		if err != nil {
			return nil, txerror.Wrap(txerror.KindBadRequest, err, "unparsable form body")
		}
	default:
		format, ok := fhir.ParseFormat(mediaType)
		if !ok {
			return nil, txerror.New(txerror.KindBadRequest, "unsupported Content-Type %q", mediaType)
		}
		params, err := fhir.ParseParameters(body, format)
		if err != nil {
			return nil, txerror.Wrap(txerror.KindBadRequest, err, "unparsable Parameters body")
		}
		fromBody = fhir.Values(params)
	}

	for k, vs := range fromBody {
		out[k] = append(out[k], vs...)
	}
	return out, nil
}
