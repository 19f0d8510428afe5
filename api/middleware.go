package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// mutationBodyMaxSize caps how much request body a handler will read. The
// cap is measured after decompression, so a small gzip payload cannot expand
// past it.
const mutationBodyMaxSize = 64 * 1024 // 64 KiB

// errBodyTooLarge is surfaced by the capped body reader once the limit is
// crossed.
var errBodyTooLarge = errors.New("request body too large")

// GzipRequestMiddleware decompresses gzip-encoded request bodies so handlers
// can work with plain JSON payloads, and caps every body at
// mutationBodyMaxSize decompressed bytes. Requests with invalid gzip
// payloads are rejected with a 400 response.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				if req.Body != nil {
					req.Body = &cappedBody{src: req.Body, body: req.Body, remaining: mutationBodyMaxSize}
				}
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &cappedBody{src: gr, closer: gr, body: body, remaining: mutationBodyMaxSize}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	if header == "" {
		return false
	}
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

// cappedBody reads from src (the decompressed stream when the body was
// gzipped) and fails with errBodyTooLarge once more than `remaining` bytes
// have come out of it.
type cappedBody struct {
	src       io.Reader
	closer    io.Closer
	body      io.Closer
	remaining int64
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, errBodyTooLarge
	}
	// Allow one byte past the limit so the overrun is observable.
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.src.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n, errBodyTooLarge
	}
	return n, err
}

func (b *cappedBody) Close() error {
	var err error
	if b.closer != nil {
		err = b.closer.Close()
	}
	if b.body != nil {
		if cerr := b.body.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
