// Package checker holds the built-in checks.
//
// Every check is an engine.Definition assembled from named steps:
//
//   - Passive checks only read the captured request and response:
//     missing-content-type, graphql-endpoint, csp-missing, csp-weak,
//     cors-misconfig, cookie-flags and mixed-content.
//   - Active checks send probes through the step context:
//     graphql-content-type (one probe per content type, looping over a
//     single step) and user-agent-dependent-response (probe then evaluate).
//
// Catalog indexes the definitions so the CLI, the API and the session
// service can resolve check IDs without knowing the concrete checks.
package checker
