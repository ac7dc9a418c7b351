// Package preflight provides readiness checks for the services and paths
// vidqueue depends on.
//
// These checks run in two contexts:
//   - The worker command runs RunAll before starting the consumer loop and
//     refuses to start when a required check fails.
//   - The CLI "vidqueue status" command renders every result.
//
// Optional checks (ffprobe without output verification) never fail the run.
package preflight
