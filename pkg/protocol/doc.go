// Package protocol implements the MeshLink wire format.
//
// # Frames
//
// Every frame written to a link is a single UTF-8 JSON document of one of two
// shapes:
//
//   - WireMessage: a complete protocol message (chat text, image, typing
//     indicator or delivery ack)
//   - ChunkEnvelope: one slice of a frame that was too large for the link,
//     wrapped under the "chunk" key
//
// A receiver tells the two apart with IsChunk before doing a full decode.
//
// # Message Types
//
//   - msg: chat text, relayed while ttl > 0
//   - img: base64 image with optional caption and thumbnail, relayed while ttl > 0
//   - typing: one-hop typing indicator, never relayed
//   - ack: one-hop delivery acknowledgement carrying ackId, never relayed
//
// # Identity Across Hops
//
// The id of a message is assigned once by its author and never changes, so
// it doubles as the dedup key for relays and the correlation key for acks.
// The sender field names the immediate hop and is rewritten on every relay,
// while originId keeps the author. The logical author is therefore
// originId when present and sender otherwise (see WireMessage.Origin).
//
// # Usage Example
//
//	msg := protocol.NewTextMessage("alice", sealedText, true)
//	frame, err := protocol.Encode(msg)
//	if err != nil {
//	    return err
//	}
//
//	// on the receiving side
//	decoded, err := protocol.Decode(frame)
//	var decodeErr *protocol.DecodeError
//	if errors.As(err, &decodeErr) {
//	    // drop and log
//	}
//
// # Compatibility
//
// The protocol version is currently 2. Receivers drop messages that carry
// any other version. Unknown fields are ignored on decode.
package protocol
