// Package api provides the ThingsBoard REST client.
//
// Only the login endpoint is used; the telemetry plugin itself is reached
// over WebSocket by package connection.
//
// Endpoints:
//   - POST /api/auth/login: exchanges username/password for a JWT pair
package api
