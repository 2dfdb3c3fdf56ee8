// Package mqttcore implements the client side of the MQTT 3.1.1
// publish/subscribe protocol.
//
// A Client is a lightweight, reference-counted handle to a transport
// bootstrap (the dialer/listener machinery that turns a host:port or a
// websocket URL into a byte stream). Connections are created from a
// Client and own the protocol state machine, the in-flight request
// registry, the subscription topic tree, and the reconnect scheduler.
//
// The public surface is callback-based: every asynchronous operation
// (Connect, Publish, Subscribe, Unsubscribe, ...) takes a completion
// callback that is invoked exactly once, on the connection's I/O
// worker goroutine, with the outcome of the operation. Configuration
// mutators are synchronous and enforce the state-guard rules documented
// on each Set method.
//
// Concurrency model: user goroutines may call the public API from any
// goroutine at any time. Internally, sends are funnelled through a
// single connection mutex guarding the "synced" region (state,
// pending/outstanding requests), while everything touched exclusively
// by the transport's I/O worker (the ongoing-request list, the topic
// tree, ping bookkeeping) is accessed lock-free because only that
// worker ever touches it.
package mqttcore
