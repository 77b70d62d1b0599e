// Package wire implements the envelope framing used on every
// supervisor/worker connection.
//
// # Frame Layout
//
// Each frame is a fixed header followed by the payload, big-endian:
//
//	[kind u8][correlation_id u64][payload_len u32][payload ...]
//
// Frames are written with a single Write call so that concurrent writers
// serialized by a mutex never interleave partial frames.
//
// # Decoding
//
// [Decode] works on an in-memory buffer and distinguishes "need more bytes"
// ([ErrShortFrame], which matches iox.ErrWouldBlock) from frames that can
// never decode ([ErrMalformedFrame], [ErrFrameTooLarge]). [Reader] decodes
// from a byte stream.
package wire
