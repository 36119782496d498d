package protocol

// This package implements encoding and decoding of RESP, the protocol Redis
// uses to communicate with its clients.
//
// - `Command` - An ordered list of binary safe arguments sent to the server.
// - `Value`   - A single decoded reply. Exactly one of five kinds.
//
// === Requests
//
// Clients always send commands as arrays of bulk strings
//
//   ```
//     *<argc>\r\n
//     $<len>\r\n<bytes>\r\n
//     ...
//   ```
//
// Arguments are never escaped, `<len>` is the raw byte count so embedded
// `\r\n` and null bytes are legal.
//
// === Replies
//
// The first byte of a reply determines its kind
//
//   ```
//     +OK\r\n                    Status
//     -ERR message\r\n           Error
//     :1000\r\n                  Integer
//     $5\r\nhello\r\n            Bulk
//     $-1\r\n                    Bulk (null)
//     *2\r\n:1\r\n:2\r\n         Array
//     *-1\r\n                    Array (null)
//   ```
//
// Arrays nest, elements may be of any kind.
//
// === Streaming
//
// Decode is stateless across calls. Given a buffer that holds an incomplete
// frame it returns ErrNeedMoreData without consuming anything, the caller
// appends more bytes and calls Decode again from the same position. Reader
// wraps this for an io.Reader.
//
// Malformed frames (unknown type byte, bad length, missing terminator) are
// reported as a *ProtocolError. Once one is seen the stream can no longer be
// trusted and should be dropped.
//
