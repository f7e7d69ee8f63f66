// Package httpbridge serves standard net/http handlers through the
// gateway calling convention, so ordinary Go HTTP applications can run
// behind the Lambda adapter unchanged.
package httpbridge

import (
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/cgi"
	"net/http/httptest"
	"sort"

	"github.com/a69/lambda.go/gateway"
)

// fallbackContentType satisfies the adapter's requirement that
// recorded headers carry a Content-Type. The recorder sniffs one only
// when the handler writes body bytes before any explicit WriteHeader
// call; every other header-less response needs the fallback.
const fallbackContentType = "text/plain; charset=utf-8"

type bridge struct {
	h http.Handler
}

// New returns a gateway.Handler that serves every canonical request
// through h. The request is rebuilt from the CGI variable map, the
// body stream and forwarded scheme attached, and the response captured
// whole before being emitted; bridged handlers cannot stream.
func New(h http.Handler) gateway.Handler {
	return bridge{h: h}
}

func (b bridge) Handle(req *gateway.Request, start gateway.StartResponse) (iter.Seq[[]byte], error) {
	httpReq, err := cgi.RequestFromMap(req.Env)
	if err != nil {
		return nil, fmt.Errorf("httpbridge: %w", err)
	}
	if req.Scheme != "" {
		httpReq.URL.Scheme = req.Scheme
	}
	httpReq.Body = io.NopCloser(req.Body)

	rec := httptest.NewRecorder()
	b.h.ServeHTTP(rec, httpReq)
	result := rec.Result()

	if result.Header.Get("Content-Type") == "" {
		result.Header.Set("Content-Type", fallbackContentType)
	}
	names := make([]string, 0, len(result.Header))
	for name := range result.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	headers := make([]gateway.Header, 0, len(names))
	for _, name := range names {
		for _, value := range result.Header[name] {
			headers = append(headers, gateway.Header{Name: name, Value: value})
		}
	}
	start(result.Status, headers, nil)

	body := rec.Body.Bytes()
	return func(yield func([]byte) bool) {
		yield(body)
	}, nil
}
