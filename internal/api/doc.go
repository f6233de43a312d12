// Package api exposes coven-concierge over HTTP.
//
// # Routes
//
// Ingress from the messaging channel:
//
//	POST /api/v1/workspaces/{ws}/events
//
// Operator console:
//
//	GET  /api/v1/workspaces/{ws}/queue?status=waiting,locked&limit=50
//	GET  /api/v1/workspaces/{ws}/queue/{id}
//	POST /api/v1/workspaces/{ws}/queue/{id}/claim|renew|release|resolve|cancel|reply
//	GET  /api/v1/workspaces/{ws}/customers/{cid}/state
//	GET  /api/v1/workspaces/{ws}/customers/{cid}/interactions
//	POST /api/v1/workspaces/{ws}/customers/{cid}/reset
//	GET  /api/v1/workspaces/{ws}/audit
//	GET  /api/v1/workspaces/{ws}/stream   (text/event-stream)
//
// Operations:
//
//	GET /health
//	GET /metrics
//
// # Errors
//
// Errors are JSON objects with an "error" field. Missing entities map to
// 404, lost races and queue guard failures to 409, a non-holder acting on
// a lock to 403, rate limiting to 429 and transient storage failures to
// 503. A flow configuration error answers 500 and carries the result of
// routing the customer to the human queue.
//
// Authentication is handled in front of this server.
package api
