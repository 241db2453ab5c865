// Package statusapi serves a running session over local HTTP so other tools
// can watch a job without their own stream or poll connection.
//
// # Endpoints
//
//   - GET /healthz - Liveness, always public
//   - GET /metrics - Prometheus metrics, always public
//   - GET /progress - The session's current View as JSON
//   - POST /continue - Manual continue once the threshold is reached
//   - POST /retry - Restart an exhausted stream
//
// # Authentication
//
// When a token is configured, /progress, /continue and /retry require
// "Authorization: Bearer <token>". Repeated failures from one address are
// rate limited and then blocked with a doubling block time. The POST
// endpoints are also capped per address per minute.
package statusapi
