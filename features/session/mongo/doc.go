// Package mongo provides the MongoDB-backed durable session store.
//
// Sessions are single documents keyed by session id. Sliding expiry is
// enforced by a TTL index on the last-access timestamp; because the Mongo
// TTL reaper runs periodically, reads additionally filter on the expiry
// window so an expired-but-unreaped session is never served.
package mongo
