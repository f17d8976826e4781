// Package gateway serves the operator HTTP API of the recording controller.
//
// The API is a thin layer over a Backend:
//
//	GET  /health                          aggregate component health (503 when unhealthy)
//	GET  /api/status                      devices, session, quality and channel summaries
//	GET  /api/status/stream               websocket: snapshot, then rate-limited feed events
//	GET  /api/window?from=&to=&key=&ref=  fused samples, optionally aligned onto ref
//	POST /api/window                      the same query as a JSON body
//	GET  /api/config                      effective configuration (secrets omitted)
//	POST /api/reconfigure                 quorum and quality thresholds at runtime
//	GET  /api/sessions?limit=             past sessions, most recent first
//	POST /api/sessions                    start a session
//	POST /api/sessions/stop               stop the running session
//	POST /api/sessions/admit/{device}     late-join a device
//	POST /api/devices/{device}/resync     run a clock sync round now
//	POST /api/devices/{device}/failover   switch to the standby transport
//	POST /api/devices/{device}/reset      clear a failed device
//
// Errors are JSON objects {"error": message, "status": code}. Invalid
// requests map to 400, unknown devices to 404, session and link state
// conflicts to 409 and transient failures to 503 or 504. Internal details
// of transient and fatal errors are not exposed.
//
// Every response carries an X-Request-ID header, taken from the request when
// present. CORS headers are only sent when enabled with explicit origins.
package gateway
