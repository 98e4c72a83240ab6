package upstream

import (
	"strings"

	"github.com/damedic/fhir-toolbox-go/model/gen/r4"

	"github.com/vyrodovalexey/txproxy/internal/fhir"
)

// ClosureKey is the synthetic routing key for the $closure operation.
const ClosureKey = "closure"

// Claim resource types.
const (
	ResourceCodeSystem = "CodeSystem"
	ResourceValueSet   = "ValueSet"
	ResourceConceptMap = "ConceptMap"
	ResourceOperation  = "Operation"
)

var claimableResources = map[string]bool{
	ResourceCodeSystem: true,
	ResourceValueSet:   true,
	ResourceConceptMap: true,
}

type claimSet struct {
	upstream string
	seen     map[string]bool
	claims   []Claim
}

func (c *claimSet) add(resourceType, ref string) {
	key := fhir.CanonicalKey(ref)
	if key == "" {
		return
	}
	id := resourceType + "\x00" + key
	if c.seen[id] {
		return
	}
	c.seen[id] = true
	c.claims = append(c.claims, Claim{ResourceType: resourceType, Key: key, Upstream: c.upstream})
}

func (c *claimSet) addSupportedSystems(exts []r4.Extension) {
	for _, ext := range exts {
		if ext.Url == fhir.ExtSupportedSystem {
			c.add(ResourceCodeSystem, fhir.ExtensionValue(ext))
		}
	}
}

// ExtractClaims derives the routing claims an upstream makes in its
// CapabilityStatement.
//
// Code systems come from the supported-system extension anywhere it is
// allowed (statement, rest, rest.resource). Value sets and concept maps
// come from canonical extensions on the matching rest.resource entry. An
// upstream that advertises $closure claims ClosureKey.
func ExtractClaims(upstreamID string, cs *r4.CapabilityStatement) []Claim {
	if cs == nil {
		return nil
	}
	set := &claimSet{upstream: upstreamID, seen: make(map[string]bool)}

	set.addSupportedSystems(cs.Extension)
	for _, rest := range cs.Rest {
		set.addSupportedSystems(rest.Extension)
		for _, res := range rest.Resource {
			set.addSupportedSystems(res.Extension)
			resourceType := fhir.Value(res.Type.Value)
			if !claimableResources[resourceType] {
				continue
			}
			for _, ext := range res.Extension {
				if ext.Url == fhir.ExtSupportedCanonical {
					set.add(resourceType, fhir.ExtensionValue(ext))
				}
			}
		}
	}

	for _, op := range ExtractOperations(cs) {
		if op.Name == ClosureKey {
			set.add(ResourceOperation, ClosureKey)
		}
	}
	return set.claims
}

// TerminologyClaims turns TerminologyCapabilities code systems into claims.
func TerminologyClaims(upstreamID string, tc *r4.TerminologyCapabilities) []Claim {
	if tc == nil {
		return nil
	}
	set := &claimSet{upstream: upstreamID, seen: make(map[string]bool)}
	for _, cs := range tc.CodeSystem {
		if cs.Uri != nil {
			set.add(ResourceCodeSystem, fhir.Value(cs.Uri.Value))
		}
	}
	return set.claims
}

// MergeClaims appends extra to claims, skipping duplicates.
func MergeClaims(claims, extra []Claim) []Claim {
	seen := make(map[Claim]bool, len(claims))
	for _, c := range claims {
		seen[c] = true
	}
	for _, c := range extra {
		if !seen[c] {
			seen[c] = true
			claims = append(claims, c)
		}
	}
	return claims
}

// ExtractOperations lists the operations a CapabilityStatement declares at
// system or type level, first declaration of each name winning. Names are
// returned without the leading "$".
func ExtractOperations(cs *r4.CapabilityStatement) []fhir.CapabilityOperation {
	if cs == nil {
		return nil
	}
	seen := make(map[string]bool)
	var ops []fhir.CapabilityOperation
	add := func(op fhir.CapabilityOperation) {
		op.Name = strings.TrimPrefix(op.Name, "$")
		if op.Name == "" || seen[op.Name] {
			return
		}
		seen[op.Name] = true
		ops = append(ops, op)
	}

	for _, rest := range cs.Rest {
		for _, op := range rest.Operation {
			add(fhir.Operation(op))
		}
		for _, res := range rest.Resource {
			for _, op := range res.Operation {
				add(fhir.Operation(op))
			}
		}
	}
	return ops
}
