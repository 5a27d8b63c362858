// Package server implements the HTTP surface of the node: the websocket
// endpoint for the connection protocol, the status and source-resolution
// queries, the stream proxy, and Prometheus metrics.
package server
