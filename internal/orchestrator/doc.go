// Package orchestrator ties the two stages together: triage an inbound
// request into an intent, acquire the capability sessions that intent needs,
// and route to the matching handler. It owns degraded-mode behavior when a
// capability is unavailable and narrates each request into the activity log.
package orchestrator
