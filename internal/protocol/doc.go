// Package protocol defines the wire formats exchanged between fetchers and
// the coordinator: the line-oriented batch file, the compressed upload
// archive and its multi-part transfer, request parameters and the session
// token that authenticates them.
package protocol
