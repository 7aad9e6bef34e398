package transport

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	errs "github.com/frankli0324/go-xfer/internal/errors"
	"github.com/frankli0324/go-xfer/internal/model"
)

type http1Handler struct {
	scheme string
	port   int
	flags  Flags
}

func (h *http1Handler) Scheme() string   { return h.scheme }
func (h *http1Handler) DefaultPort() int { return h.port }
func (h *http1Handler) Flags() Flags     { return h.flags }
func (h *http1Handler) Family() string   { return "http" }

func (h *http1Handler) NewExchange(req *model.PreparedRequest, opts *ExchangeOptions) (Exchange, error) {
	if opts == nil {
		opts = &ExchangeOptions{}
	}
	e := &http1{req: req, opts: opts}
	e.planUpload()
	head, err := e.writeHeader()
	if err != nil {
		return nil, err
	}
	e.head = head
	return e, nil
}

type http1 struct {
	req    *model.PreparedRequest
	opts   *ExchangeOptions
	head   []byte
	upload Upload
	expect bool // we add the Expect header ourselves

	buf     []byte // response head read so far
	checked bool   // buf starts like a status line
	resp    *model.Response
}

func (e *http1) Head() []byte              { return e.head }
func (e *http1) Upload() Upload            { return e.upload }
func (e *http1) DoneSending() error        { return nil }
func (e *http1) Response() *model.Response { return e.resp }

func (e *http1) planUpload() {
	r := e.req
	u := Upload{Size: r.ContentLength, RewindAfterSend: e.opts.RewindAfterSend}
	if u.Size < 0 {
		if r.Request.Body != nil {
			u.Chunked = true
		} else {
			u.Size = 0
		}
	}
	if u.Size > 0 && e.opts.CRLF {
		u.Size, u.Chunked = -1, true
	}
	if v := r.Header.Get("Expect"); v != "" {
		u.Expect100 = strings.EqualFold(v, "100-continue") && u.HasBody()
	} else if !e.opts.DisableExpectContinue && (u.Chunked || u.Size > e.opts.expectThreshold()) {
		u.Expect100, e.expect = true, true
	}
	e.upload = u
}

func validMethod(m string) bool {
	return m != "" && strings.IndexFunc(m, func(r rune) bool { return !httpguts.IsTokenRune(r) }) < 0
}

func validFieldName(k string) bool {
	return httpguts.ValidHeaderFieldName(k)
}

// writeHeader serializes the status and header part of an http 1.1 request
// e.g.:
//
//	GET / HTTP/1.1\r\n
//	Host: www.google.com\r\n
//	X-Xx-Yy: cccccc\r\n
//	\r\n
func (e *http1) writeHeader() ([]byte, error) {
	r := e.req
	if !validMethod(r.Method) {
		return nil, errors.New("http: invalid method " + strconv.Quote(r.Method))
	}
	if !httpguts.ValidHostHeader(r.HeaderHost) {
		return nil, errors.New("http: invalid Host header " + strconv.Quote(r.HeaderHost))
	}
	target := r.U.RequestURI()
	switch {
	case r.Method == http.MethodConnect:
		// authority-form
		target = r.HeaderHost
	case e.opts.AbsoluteForm:
		u := *r.U
		u.User, u.Fragment, u.RawFragment = nil, "", ""
		target = u.String()
	}

	var header bytes.Buffer
	header.WriteString(r.Method)
	header.WriteByte(' ')
	header.WriteString(target)
	header.WriteString(" HTTP/1.1\r\n")

	header.WriteString("Host: ")
	header.WriteString(r.HeaderHost)
	header.WriteString("\r\n")
	switch {
	case e.upload.Chunked:
		header.WriteString("Transfer-Encoding: chunked\r\n")
	case e.upload.Size > 0 || wantsLength(r.Method):
		header.WriteString("Content-Length: ")
		header.WriteString(strconv.FormatInt(e.upload.Size, 10))
		header.WriteString("\r\n")
	}
	if r.User != "" && r.Header.Get("Authorization") == "" {
		writeBasic(&header, "Authorization", r.User, r.Password)
	}
	toProxy := e.opts.AbsoluteForm || r.Method == http.MethodConnect
	if toProxy && e.opts.ProxyUser != "" && r.Header.Get("Proxy-Authorization") == "" {
		writeBasic(&header, "Proxy-Authorization", e.opts.ProxyUser, e.opts.ProxyPassword)
	}
	if e.expect {
		header.WriteString("Expect: 100-continue\r\n")
	}

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, errors.New("http: invalid header field name " + strconv.Quote(k))
		}
		if strings.EqualFold(k, "Transfer-Encoding") {
			continue // framing is ours to decide
		}
		for _, v := range r.Header[k] {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, errors.New("http: invalid header field value for " + strconv.Quote(k))
			}
			header.WriteString(k)
			header.WriteString(": ")
			header.WriteString(v)
			header.WriteString("\r\n")
		}
	}
	header.WriteString("\r\n")
	return header.Bytes(), nil
}

func wantsLength(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

func writeBasic(b *bytes.Buffer, field, user, password string) {
	b.WriteString(field)
	b.WriteString(": Basic ")
	b.WriteString(base64.StdEncoding.EncodeToString([]byte(user + ":" + password)))
	b.WriteString("\r\n")
}

const statusPrefix = "HTTP/"

func (e *http1) Split(p []byte) (int, Head, error) {
	start := len(e.buf)
	e.buf = append(e.buf, p...)
	if !e.checked {
		k := len(e.buf)
		if k > len(statusPrefix) {
			k = len(statusPrefix)
		}
		if string(e.buf[:k]) != statusPrefix[:k] {
			return e.body09(start)
		}
		e.checked = k == len(statusPrefix)
	}

	from := start - 3
	if from < 0 {
		from = 0
	}
	end := headEnd(e.buf, from)
	if end < 0 {
		if len(e.buf) > e.opts.maxHeaderBytes() {
			return len(p), Head{}, errs.ErrWeirdServerReply.With("response head too large")
		}
		return len(p), Head{Progress: HeadPartial}, nil
	}
	raw := append([]byte(nil), e.buf[:end]...)
	e.buf, e.checked = e.buf[:0], false
	h, err := e.parse(raw)
	return end - start, h, err
}

// body09 handles a response without a head. Bytes taken by earlier calls
// are handed back in Raw.
func (e *http1) body09(start int) (int, Head, error) {
	if !e.opts.AllowHTTP09 {
		return 0, Head{}, errs.ErrWeirdServerReply.With("received HTTP/0.9 when not allowed")
	}
	raw := append([]byte(nil), e.buf[:start]...)
	e.buf = e.buf[:0]
	e.resp = &model.Response{
		Proto: "HTTP/0.9", Status: "200 OK", StatusCode: http.StatusOK,
		Header: http.Header{}, ContentLength: -1, Request: e.req,
	}
	return 0, Head{
		Progress: HeadDone, Raw: raw, Body09: true,
		StatusCode: http.StatusOK, Proto: "HTTP/0.9", Size: -1, Close: true,
	}, nil
}

// headEnd returns the index after the empty line ending the head in b, -1
// when there is none yet.
func headEnd(b []byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] != '\n' {
			continue
		}
		if i+1 < len(b) && b[i+1] == '\n' {
			return i + 2
		}
		if i+2 < len(b) && b[i+1] == '\r' && b[i+2] == '\n' {
			return i + 3
		}
	}
	return -1
}

func (e *http1) parse(raw []byte) (Head, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	line, err := tp.ReadLine()
	if err != nil {
		return Head{}, errs.ErrWeirdServerReply.Wrap(err)
	}
	proto, status, ok := strings.Cut(line, " ")
	if !ok {
		return Head{}, errs.ErrWeirdServerReply.With("malformed HTTP response " + strconv.Quote(line))
	}
	status = strings.TrimLeft(status, " ")
	statusCode, _, _ := strings.Cut(status, " ")
	if len(statusCode) != 3 {
		return Head{}, errs.ErrWeirdServerReply.With("malformed HTTP status code " + strconv.Quote(statusCode))
	}
	code, err := strconv.Atoi(statusCode)
	if err != nil || code < 100 {
		return Head{}, errs.ErrWeirdServerReply.With("malformed HTTP status code " + strconv.Quote(statusCode))
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return Head{}, errs.ErrWeirdServerReply.Wrap(err)
	}
	if hp, ok := mimeHeader["Pragma"]; ok && len(hp) > 0 && hp[0] == "no-cache" {
		if _, presentcc := mimeHeader["Cache-Control"]; !presentcc {
			mimeHeader["Cache-Control"] = []string{"no-cache"}
		}
	}
	header := http.Header(mimeHeader)

	h := Head{Progress: HeadDone, Raw: raw, StatusCode: code, Proto: proto, Server: header.Get("Server")}
	if code/100 == 1 && code != http.StatusSwitchingProtocols {
		h.Progress = HeadInterim
		h.Continue = code == http.StatusContinue
		return h, nil
	}

	resp := &model.Response{Proto: proto, Status: status, StatusCode: code, Header: header, Request: e.req}
	if err := e.readTransfer(resp, &h); err != nil {
		return Head{}, err
	}

	conn := header["Connection"]
	if proto != "HTTP/1.1" {
		h.Close = !httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}
	if httpguts.HeaderValuesContainsToken(conn, "close") || code == http.StatusSwitchingProtocols {
		h.Close = true
	}
	if !h.NoBody && !h.Chunked && h.Size < 0 {
		h.Close = true // the body ends with the connection
	}
	if code/100 == 3 {
		h.Location = header.Get("Location")
		h.Redirect = e.opts.FollowRedirects && h.Location != "" && isRedirect(code)
	}
	e.resp = resp
	return h, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func (e *http1) readTransfer(resp *model.Response, h *Head) error {
	contentLens := resp.Header["Content-Length"]

	// Hardening against HTTP request smuggling, taken from standard library
	if len(contentLens) > 1 {
		// Per RFC 7230 Section 3.3.2
		first := textproto.TrimString(contentLens[0])
		for _, ct := range contentLens[1:] {
			if first != textproto.TrimString(ct) {
				return errs.ErrWeirdServerReply.With("multiple Content-Length headers " + strconv.Quote(strings.Join(contentLens, ",")))
			}
		}

		// deduplicate Content-Length
		resp.Header.Del("Content-Length")
		resp.Header.Add("Content-Length", first)

		contentLens = resp.Header["Content-Length"]
	}

	cl := int64(-1)
	if len(contentLens) > 0 {
		n, err := strconv.ParseUint(textproto.TrimString(contentLens[0]), 10, 63)
		if err != nil {
			return errs.ErrWeirdServerReply.With("invalid Content-Length " + strconv.Quote(contentLens[0]))
		}
		cl = int64(n)
	}

	if te := resp.Header["Transfer-Encoding"]; len(te) > 0 {
		// a transfer coding overrides any length
		resp.Header.Del("Content-Length")
		cl = -1
		codings := strings.Split(te[len(te)-1], ",")
		h.Chunked = strings.EqualFold(textproto.TrimString(codings[len(codings)-1]), "chunked")
	}

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotModified, http.StatusSwitchingProtocols:
		h.NoBody = true
	}
	if e.req.Method == http.MethodHead {
		h.NoBody = true
	}
	if e.req.Method == http.MethodConnect && resp.StatusCode/100 == 2 {
		// the tunnel starts right after the head
		h.NoBody = true
	}
	if h.NoBody {
		h.Chunked = false
		cl = 0
	}
	h.Size = cl
	resp.ContentLength = cl
	return nil
}
