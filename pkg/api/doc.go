// Package api defines the wire types of the restgate auth endpoints.
//
// The package performs no I/O beyond writing JSON to an http.ResponseWriter
// and depends only on the standard library, so both the admission layer and
// the HTTP handlers can use it without import cycles.
//
// Core types:
//   - [TicketRequest], [TicketResponse]: ticket issuance
//   - [PrincipalResponse]: the admitted caller
//   - [RotateResponse]: operator-triggered key rotation
//   - [APIError]: structured error with type, code, param, and message
//
// Every error is written in the envelope {"error": {"type", "code", "message"}}.
// For admission denials the code is the stable denial reason.
package api
