// File: doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package mwrs holds the types shared between the broker's server and
// client halves: status codes, open flags, event types, resource status,
// protocol limits and the rendezvous path scheme.
//
// The broker itself lives in the server and client subpackages. A server
// process publishes resources through a callback set; client processes
// request them by opaque identifier and receive a duplicated OS handle,
// after which all I/O goes straight to the kernel. Watchers deliver
// asynchronous per-resource events over the same connection.
package mwrs
