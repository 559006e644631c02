// Package checker implements the securiscan probes and the orchestrator that
// runs them.
//
// Architecture overview:
//
//   - A Probe (HeaderProbe, TLSProbe, HygieneProbe, PerformanceProbe) takes an
//     absolute URL and returns CheckResults. Probes bound themselves with a
//     timeout and turn network failures into CRITICAL or INFO results instead
//     of returning errors.
//   - Orchestrator fans a target out to every probe concurrently, recovers
//     from a probe that panics, and concatenates whatever the others produced.
//   - Severity is a closed enum (PASS < INFO < WARNING < CRITICAL) that
//     marshals to its upper-case name.
//   - Helpers such as AnalyzeSecurityHeaders, AnalyzeCookies and
//     RecommendationFor are exported so the CLI and API can reuse them.
package checker
