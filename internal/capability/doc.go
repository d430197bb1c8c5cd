// Package capability defines the external integration contracts northstar
// depends on and the session manager that opens them on demand.
//
// Each integration category (chat, code host, analytics, patch apply) is a
// capability tag. A request never pays for integrations it does not need:
// the session manager opens exactly the sessions listed in the request's
// required set, reuses warm sessions within a TTL, and releases everything
// acquired for a request on every exit path.
package capability
