package protocol

// SignalingDecoder reassembles $$dc frames from a TCP byte stream.
type SignalingDecoder interface {
	// Feed appends data to the internal buffer and returns every message
	// completed so far, in arrival order. Partial frames stay buffered.
	Feed(data []byte) []*Message
}

// MediaDecoder reassembles media-protocol packets from a TCP byte stream.
type MediaDecoder interface {
	// Feed appends data to the internal buffer and returns every packet
	// completed so far, in arrival order. Partial frames stay buffered.
	Feed(data []byte) []*MediaPacket
}
