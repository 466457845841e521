// Package mcpclient implements a client runtime for the Model Context
// Protocol (MCP), the JSON-RPC protocol agents use to discover and invoke
// remote tools and to read and subscribe to remote resources.
//
// The package keeps many independent server connections alive and observable:
// each connection carries its own health record, circuit breaker, and
// heartbeat loop, tools and resources are namespaced per server with
// collision detection, reads are cached with a TTL, and outbound work flows
// through a bounded priority queue drained by a worker pool. The Client type
// ties all of this behind a call-a-tool / read-a-resource surface.
package mcpclient
