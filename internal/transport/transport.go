package transport

import (
	"net/http"
	"strings"

	errs "github.com/frankli0324/go-xfer/internal/errors"
	"github.com/frankli0324/go-xfer/internal/model"
)

type Flags uint8

const (
	FlagSSL Flags = 1 << iota
	// FlagPipelining allows more requests on a connection before the
	// responses to earlier ones arrived.
	FlagPipelining
	// FlagCredsPerConn ties credentials to the connection rather than to
	// each request.
	FlagCredsPerConn
	// FlagAlwaysResponse means every request gets a response, silence on a
	// reused connection means the peer dropped it.
	FlagAlwaysResponse
)

func (f Flags) Has(o Flags) bool { return f&o == o }

// Handler is one protocol scheme.
type Handler interface {
	Scheme() string
	DefaultPort() int
	Flags() Flags
	// Family groups schemes that may share a connection after an upgrade,
	// e.g. http and https.
	Family() string
	NewExchange(req *model.PreparedRequest, opts *ExchangeOptions) (Exchange, error)
}

// Exchange is a single request and its response on the wire.
type Exchange interface {
	// Head is the serialized request head.
	Head() []byte
	Upload() Upload
	// Split consumes response head bytes from p and returns how many it
	// took. A [HeadDone] or [HeadInterim] head leaves p[n:] unconsumed.
	Split(p []byte) (n int, h Head, err error)
	// DoneSending is called once the whole request went out.
	DoneSending() error
	// Response is available once a final head was split.
	Response() *model.Response
}

type Upload struct {
	Size      int64 // -1 when unknown
	Chunked   bool
	Expect100 bool
	// RewindAfterSend asks for the body to be rewound once sent, for a
	// request that will be sent again e.g. for authentication.
	RewindAfterSend bool
}

// HasBody reports whether anything follows the head.
func (u Upload) HasBody() bool {
	return u.Chunked || u.Size > 0
}

type Progress uint8

const (
	HeadPartial Progress = iota
	HeadInterim          // informational 1xx response, another head follows
	HeadDone
)

// Head is what the transfer needs to know from a response head.
type Head struct {
	Progress Progress
	// Raw holds the complete head once split. For [Head.Body09] responses it
	// holds bytes taken for a head earlier that are body after all.
	Raw []byte

	StatusCode int
	Proto      string
	Continue   bool  // 100 Continue
	Size       int64 // body length, -1 when unknown
	Chunked    bool
	NoBody     bool
	Close      bool
	Body09     bool // no head at all, everything is body
	Server     string
	Location   string
	// Redirect is set when the response will be followed, its body is not
	// interesting.
	Redirect bool
}

// CanPipeline reports whether the server could take pipelined requests
// on the connection that carried the response.
func (h *Head) CanPipeline() bool {
	return h.Proto == "HTTP/1.1" && !h.Close && !h.Body09
}

type ExchangeOptions struct {
	// AbsoluteForm sends the full url in the request line, for forwarding
	// proxies.
	AbsoluteForm             bool
	ProxyUser, ProxyPassword string
	FollowRedirects          bool
	AllowHTTP09              bool
	MaxHeaderBytes           int

	// bodies above the threshold, and chunked ones, wait for 100 Continue
	ExpectContinueThreshold int64
	DisableExpectContinue   bool
	RewindAfterSend         bool
	// CRLF announces an upload converted to CRLF line ends on the way out.
	// Its length is unknown upfront, so it goes chunked.
	CRLF bool
}

const (
	DefaultMaxHeaderBytes          = 100 << 10
	DefaultExpectContinueThreshold = 1 << 20
)

func (o *ExchangeOptions) maxHeaderBytes() int {
	if o == nil || o.MaxHeaderBytes <= 0 {
		return DefaultMaxHeaderBytes
	}
	return o.MaxHeaderBytes
}

func (o *ExchangeOptions) expectThreshold() int64 {
	if o == nil || o.ExpectContinueThreshold <= 0 {
		return DefaultExpectContinueThreshold
	}
	return o.ExpectContinueThreshold
}

var handlers = func() map[string]Handler {
	m := map[string]Handler{}
	for _, h := range []Handler{
		&http1Handler{scheme: "http", port: 80, flags: FlagPipelining | FlagAlwaysResponse},
		&http1Handler{scheme: "https", port: 443, flags: FlagSSL | FlagPipelining | FlagAlwaysResponse},
	} {
		m[h.Scheme()] = h
	}
	return m
}()

// Lookup returns the handler of scheme, case insensitively.
func Lookup(scheme string) (Handler, error) {
	if h, ok := handlers[strings.ToLower(scheme)]; ok {
		return h, nil
	}
	return nil, errs.ErrUnsupportedProtocol.With("protocol \"" + scheme + "\" not supported")
}

// ParseTrailer turns raw trailer lines into a header, skipping malformed
// ones.
func ParseTrailer(lines []string) http.Header {
	if len(lines) == 0 {
		return nil
	}
	h := http.Header{}
	for _, l := range lines {
		k, v, ok := strings.Cut(l, ":")
		if !ok || !validFieldName(k) {
			continue
		}
		h.Add(k, strings.TrimSpace(v))
	}
	return h
}
