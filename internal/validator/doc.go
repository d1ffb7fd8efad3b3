// Package validator collects problems found in snapchain settings and
// renders them for the user.
//
// # Core Concepts
//
//   - [Severity]: Distinguishes between blocking errors and non-blocking warnings.
//   - [Issue]: Represents a single problem with the setting it concerns.
//   - [Result]: Aggregates multiple issues and provides helper methods.
//   - [Reporter]: Writes a Result as colored text or JSON.
//
// # Basic Usage
//
//	result := &validator.Result{}
//	if len(roots) == 0 {
//		result.AddWarning("roots", "no paths to back up", nil)
//	}
//
//	if result.HasErrors() {
//		// refuse to back up
//	}
package validator
