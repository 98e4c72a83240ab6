// Package proxy is the FHIR-facing HTTP handler of the terminology proxy.
//
// It serves the aggregated CapabilityStatement at /metadata, hosts the
// $versions OperationDefinition, answers $versions locally and forwards
// $lookup, $validate-code, $translate and $closure to the upstream chosen
// by the routing table:
//
//	[base]/[type]/[id]/$operation?params   GET or POST
//
// Request parameters are read from the query string and, for POST, from a
// form or a Parameters resource in JSON or XML. Upstream answers are relayed
// as received; every error produced by the proxy itself is an
// OperationOutcome in the negotiated format.
package proxy
