// Package analysis produces the diagnostic report for a normalized alert.
// It defines the Engine (cache check, context gathering, LLM call, response
// parsing and deterministic fallback), the Service that persists results,
// the Store, Cache and Provider interfaces, and the domain models.
package analysis
