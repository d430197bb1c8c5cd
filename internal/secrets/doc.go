// Package secrets provides secret detection and redaction.
//
// Everything northstar is about to publish outside its own process passes
// through it: merged file content before it is pushed to a branch, and PR
// bodies before a pull request is opened. Findings carry rule IDs and match
// positions, never the matched secret itself.
package secrets
