/*
Package server provides the HTTP front end of the webhook gateway: the chi
router, its middleware chain and the listener lifecycle.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware keeps a well-formed inbound X-Request-ID or generates a
UUID, and adds it to:
  - The request context (accessible via GetRequestID)
  - The X-Request-ID response header

Dispatched events carry the same ID, so a log line can be matched to the
stored delivery.

## Logging (logging.go)

LoggingMiddleware provides structured request logging using slog:
  - Logs request start at debug level (method, path, remote_addr)
  - Logs request completion (status, bytes, duration), at error level for 5xx
  - Supports custom log fields via AddLogField/AddError

## Timeout (timeout.go)

TimeoutMiddleware bounds the request context. Dispatch only enqueues events,
so the deadline mostly guards slow request bodies.

# Middleware Chain Order

 1. RequestIDMiddleware
 2. LoggingMiddleware
 3. TimeoutMiddleware
 4. Recoverer (chi)
 5. OTel instrumentation (otelhttp)

# Routing

Every method on "/" reaches the dispatcher, including methods chi does not
know, which arrive through the MethodNotAllowed hook. Any other path is
answered with the JSON not-found body.
*/
package server
