package model

import (
	"io"
	"net/http"
)

type Request struct {
	Method string
	URL    string
	Body   interface{}
	Header http.Header
}

type Response struct {
	Proto      string
	Status     string
	StatusCode int
	Header     http.Header
	// Trailer holds the fields sent after a chunked body.
	Trailer http.Header

	ContentLength int64
	Body          io.ReadCloser

	// Request is the request that produced the response, the last one when
	// redirects were followed.
	Request *PreparedRequest
}
