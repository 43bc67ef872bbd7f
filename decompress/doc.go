// Package decompress turns a log payload into an ordered sequence of text
// chunks without materializing the decoded log.
//
// Supported formats are gzip, zip, zstd, LZ4 frames and plain text. The
// format comes from an explicit option, else the declared content type, else
// the leading bytes. Anything unrecognized fails with ErrUnsupportedFormat.
//
// Zip entries are decoded in archive order and each entry starts a new
// chunk. Text is normalized to UTF-8: byte order marks are dropped, UTF-16
// is converted and invalid bytes become U+FFFD.
//
// Before reading each chunk the decoder reserves ChunkSize bytes from the
// run's budget. The consumer releases Chunk.Reserved when it is done with the
// chunk, so a slow consumer stalls decoding instead of growing memory.
package decompress
