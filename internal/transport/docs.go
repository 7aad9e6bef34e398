// package transport turns prepared requests into HTTP/1.x messages and reads
// responses back, one [Exchange] per request.
//
// The message syntax follows HTTP/1.1 (RFC9112), the semantics part reuses
// net/http types ([net/http.Header], [net/url.URL]). Handlers are registered
// once per scheme and looked up with [Lookup]; the registry never changes
// after init.
//
// Bodies are not read here. An Exchange only tells the transfer engine how
// the body is delimited (see [Head]) and the engine decodes it, chunked
// framing included, with [github.com/frankli0324/go-xfer/internal/transport/chunked].

package transport
