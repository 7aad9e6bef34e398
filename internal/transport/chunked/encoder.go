package chunked

import "strconv"

// Last is the terminating chunk with an empty trailer.
const Last = "0\r\n\r\n"

// Reserve is the room [Wrap] needs in front of the data: eight hex digits
// and CRLF.
const Reserve = 10

// Frame appends p to dst as one chunk. An empty p appends [Last].
func Frame(dst, p []byte) []byte {
	if len(p) == 0 {
		return append(dst, Last...)
	}
	dst = strconv.AppendUint(dst, uint64(len(p)), 16)
	dst = append(dst, "\r\n"...)
	dst = append(dst, p...)
	return append(dst, "\r\n"...)
}

// Wrap frames the n bytes at buf[Reserve:Reserve+n] in place and returns the
// chunk. buf needs room for the trailing CRLF. A zero n makes the chunk
// [Last], its CRLF being the empty trailer.
func Wrap(buf []byte, n int) []byte {
	var hex [Reserve]byte
	h := strconv.AppendUint(hex[:0], uint64(n), 16)
	h = append(h, "\r\n"...)
	start := Reserve - len(h)
	copy(buf[start:], h)
	end := Reserve + n
	end += copy(buf[end:], "\r\n")
	return buf[start:end]
}
