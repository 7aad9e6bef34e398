package model

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	errs "github.com/frankli0324/go-xfer/internal/errors"
)

type PreparedRequest struct {
	*Request

	U *url.URL
	// GetBody returns the body from its start, every call. Bodies that
	// cannot be rewound fail on the second call.
	GetBody    func() (io.ReadCloser, error)
	Header     http.Header
	HeaderHost string

	// the url split into the parts connections are matched by
	Scheme         string // lower case
	Host           string // without brackets
	Port           int    // 0 when the url has none
	User, Password string

	ContentLength int64
}

func (r *Request) Prepare() (*PreparedRequest, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, errs.ErrURLMalformat.Wrap(err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return nil, errs.ErrURLMalformat.With("no scheme or host in " + strconv.Quote(r.URL))
	}
	if r.Method == "" {
		r.Method = http.MethodGet
	}

	headers := r.Header.Clone()
	host := u.Host
	cl := int64(-1)
	// user defined headers has higher priority
	for k, v := range headers {
		if strings.ToLower(k) == "host" {
			if len(v) != 0 { // && !httpguts.ValidHostHeader(host)
				host = v[0]
			}
			delete(headers, k)
		}

		if strings.ToLower(k) == "content-length" {
			if len(v) != 0 {
				if v, err := strconv.ParseInt(v[0], 10, 64); err == nil {
					cl = v
				}
			}
			delete(headers, k)
		}
	}
	if host == "" {
		return nil, url.InvalidHostError("empty host")
	}

	pr := &PreparedRequest{
		Request: r,

		U:             u,
		Header:        headers,
		HeaderHost:    host,
		ContentLength: cl,
	}
	if err := pr.split(); err != nil {
		return nil, err
	}
	if err := pr.updateBody(); err != nil {
		// note that updateBody potentially updates content-length
		return nil, err
	}
	return pr, nil
}

// should only be called once at [Prepare]
func (r *PreparedRequest) updateBody() (err error) {
	if r.Request.Body == nil {
		r.GetBody = func() (io.ReadCloser, error) {
			return nil, nil
		}
		return nil
	}
	switch b := r.Request.Body.(type) {
	case io.ReadCloser:
		once := atomic.Bool{}
		r.GetBody = func() (io.ReadCloser, error) {
			if once.CompareAndSwap(false, true) {
				return b, nil
			}
			return nil, http.ErrBodyReadAfterClose
		}
		// unknown content-length
	case *bytes.Buffer: // below is taken from http.NewRequest
		r.ContentLength = int64(b.Len())
		buf := b.Bytes()
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		}
	case *bytes.Reader:
		r.ContentLength = int64(b.Len())
		snapshot := *b
		r.GetBody = func() (io.ReadCloser, error) {
			r := snapshot
			return io.NopCloser(&r), nil
		}
	case *strings.Reader:
		r.ContentLength = int64(b.Len())
		snapshot := *b
		r.GetBody = func() (io.ReadCloser, error) {
			r := snapshot
			return io.NopCloser(&r), nil
		}
	case string:
		r.ContentLength = int64(len(b))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(b)), nil
		}
	case []byte:
		r.ContentLength = int64(len(b))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		}
	default:
		return fmt.Errorf("unsupported body type: %T", r.Request.Body)
	}
	return nil
}

func (r *PreparedRequest) split() error {
	r.Scheme = strings.ToLower(r.U.Scheme)
	r.Host = r.U.Hostname()
	if p := r.U.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return errs.ErrURLMalformat.With("bad port " + strconv.Quote(p))
		}
		r.Port = port
	}
	if r.U.User != nil {
		r.User = r.U.User.Username()
		r.Password, _ = r.U.User.Password()
	}
	return nil
}

// Redirect prepares the request that follows a code response pointing at
// location. 301 and 302 turn a POST into a GET, 303 turns everything but
// HEAD into a GET, the body is dropped when the method changes.
// Authorization does not follow a change of host.
func (r *PreparedRequest) Redirect(location string, code int) (*PreparedRequest, error) {
	u, err := r.U.Parse(location)
	if err != nil {
		return nil, errs.ErrURLMalformat.Wrap(err)
	}
	next := &Request{
		Method: r.Method,
		URL:    u.String(),
		Body:   r.Request.Body,
		Header: r.Request.Header.Clone(),
	}
	switch code {
	case http.StatusMovedPermanently, http.StatusFound:
		if r.Method == http.MethodPost {
			next.Method = http.MethodGet
		}
	case http.StatusSeeOther:
		if r.Method != http.MethodHead {
			next.Method = http.MethodGet
		}
	}
	if next.Method != r.Method {
		next.Body = nil
		for _, k := range []string{"Content-Length", "Content-Type", "Transfer-Encoding"} {
			next.Header.Del(k)
		}
	}
	if !strings.EqualFold(u.Host, r.U.Host) {
		next.Header.Del("Authorization")
		next.Header.Del("Cookie")
		next.Header.Del("Host")
	}
	pr, err := next.Prepare()
	if err != nil {
		return nil, err
	}
	if next.Body != nil {
		// the original body may have been consumed, rewind through it
		pr.GetBody, pr.ContentLength = r.GetBody, r.ContentLength
	}
	return pr, nil
}
