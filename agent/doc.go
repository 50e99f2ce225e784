// Package agent implements a confidential OAuth client that drives the
// authorization code grant end to end: it sends the resource owner to the
// authorization endpoint, receives the front-channel callback, exchanges
// the code over the back channel, and presents the bearer token to a
// protected resource.
//
// The agent holds at most one access token at a time. Starting a new
// authorization discards the previous token and binds the attempt to a
// fresh state value; a callback whose state does not match is rejected
// before any credentials touch the wire.
package agent
