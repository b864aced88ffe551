// Package pool caches idle keep-alive connections to upstreams.
//
// Connections are partitioned by upstream key (the route target). Within a
// key the most recently released connection is leased first. Across keys a
// least-recently-used order decides which idle connection is dropped when
// the total cap is reached and a key still has room.
//
// A connection is leased to one request at a time and is only handed out
// again after Release(conn, true). Before a lease the socket is peeked
// without blocking; a peer that closed or sent unsolicited bytes is
// discarded rather than reused.
package pool
