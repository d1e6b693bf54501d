package audio

// Chunk is one contiguous slice of raw PCM bytes as delivered by a capture
// source, tagged with its emission index. The data belongs to whoever holds
// the chunk; the source hands over a private copy.
type Chunk struct {
	Seq  uint64
	Data []byte
}

// Len returns the chunk size in bytes
func (c Chunk) Len() int {
	return len(c.Data)
}

// ChunkStream is the consumer side of a capture: an ordered channel of chunks
// that closes on completion. Err reports why the stream ended and is only
// meaningful once Chunks has been closed.
type ChunkStream interface {
	Chunks() <-chan Chunk
	Err() error
}
