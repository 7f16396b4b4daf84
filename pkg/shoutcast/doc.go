// Package shoutcast implements both sides of the ICY in-band metadata protocol.
//
// The server side is the Interleaver, which tells a relay where the metadata
// boundaries fall in an outgoing audio stream and provides the encoded block
// to insert there. The client side is Stream, which strips the blocks again
// and reports metadata changes.
//
// Block format: one length byte counting 16-byte units, followed by a NUL
// terminated "StreamTitle='...';" payload padded with NUL bytes.
package shoutcast
