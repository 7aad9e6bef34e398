package internal

import (
	"bytes"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	errs "github.com/frankli0324/go-xfer/internal/errors"
	"github.com/frankli0324/go-xfer/internal/model"
)

const acceptEncoding = "gzip, deflate, zstd"

type zstdBody struct {
	*zstd.Decoder
}

func (z zstdBody) Close() error {
	z.Decoder.Close()
	return nil
}

// decodeBody returns the body of resp, undoing its content encoding when
// decode is set. The encoding headers go away with the encoding.
func decodeBody(resp *model.Response, body []byte, decode bool) (io.ReadCloser, error) {
	raw := io.NopCloser(bytes.NewReader(body))
	if !decode || len(body) == 0 {
		return raw, nil
	}
	ce := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	var rc io.ReadCloser
	var err error
	switch ce {
	case "gzip", "x-gzip":
		rc, err = gzip.NewReader(bytes.NewReader(body))
	case "deflate":
		// deflate is meant to be zlib wrapped, some servers send it raw
		if rc, err = zlib.NewReader(bytes.NewReader(body)); err != nil {
			rc, err = flate.NewReader(bytes.NewReader(body)), nil
		}
	case "zstd":
		var d *zstd.Decoder
		if d, err = zstd.NewReader(bytes.NewReader(body)); err == nil {
			rc = zstdBody{d}
		}
	default:
		return raw, nil
	}
	if err != nil {
		return nil, errs.ErrBadContentEncoding.With(ce).Wrap(err)
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return rc, nil
}
