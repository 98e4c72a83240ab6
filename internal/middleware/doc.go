// Package middleware provides the HTTP middleware wrapped around the FHIR
// handler.
//
// # Middleware Components
//
//   - RequestID: X-Request-ID propagation
//   - Logging: structured access logging
//   - Recovery: panic recovery answered with a fatal OperationOutcome
//   - SecurityHeaders: hardening headers, stripping upstream Server headers
//   - CORS: Cross-Origin Resource Sharing headers
//   - RateLimit: token bucket rate limiting, globally or per client
//
// Rejections are written as FHIR OperationOutcome resources in the format
// the client negotiated.
//
// # Usage
//
//	handler := middleware.Chain(fhirHandler,
//	    middleware.Recovery(logger),
//	    middleware.RequestID(),
//	    middleware.Logging(logger, proxy.HeaderUpstream),
//	)
package middleware
