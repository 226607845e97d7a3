// Package constants centralizes defaults shared across the CLI and the engine.
//
// File permissions, session identifiers, persistence delays and probe limits
// live here so cmd/ and internal/ reference one value.
package constants
