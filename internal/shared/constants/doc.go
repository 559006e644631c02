// Package constants centralizes defaults shared by the queue, worker,
// scheduler and alerting packages.
//
// Keeping queue names, retry policy and alert thresholds in one place lets
// cmd/ and internal/ agree on them without import cycles.
package constants
