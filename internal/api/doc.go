// Package api provides the HTTP pull client for the upstream quote provider.
//
// Endpoints:
//   - GET {rest_url}/quotes?ids=<id,id,...> returns {"quotes":[...]}
//
// Instrument IDs are canonical "chain:address" or "chain:SYMBOL" strings.
// Requests may be signed with auth.Credentials and paced with a token bucket.
package api
