// Package router decodes inbound push frames and encodes outbound control
// messages for the upstream quote provider.
//
// Decoding is synchronous: the connection manager calls Route on its own
// event loop and gets back a typed Frame. Unknown frame types are counted
// and returned as FrameUnknown.
package router
