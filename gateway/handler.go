// Package gateway runs request-handling applications written against a
// synchronous, CGI/environ-style calling convention on AWS Lambda
// behind API Gateway, translating v1 (REST) and v2 (HTTP API, Function
// URL) events into canonical request contexts and captured responses
// back into the structured form the platform expects.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/go-kit/log"
)

// ErrHandlerContract means the wrapped application broke the emission
// contract: it never declared a response, declared one with an
// unparseable status line, or recorded headers without a Content-Type.
var ErrHandlerContract = errors.New("gateway: handler contract violation")

// Header is one response header as emitted by a Handler. Emission
// order is preserved; duplicate names resolve to the last value.
type Header struct {
	Name  string
	Value string
}

// StartResponse declares the status line and headers of the response
// in flight. A Handler must call it exactly once, before or while
// producing body chunks. The status code is the integer value of the
// first three characters of the status line. The final argument
// carries exception info from a failed earlier attempt and is accepted
// for contract compatibility only.
type StartResponse func(status string, headers []Header, exc error)

// Handler is the application-side calling convention the adapter
// drives: one synchronous call per request, body produced as a lazy
// chunk sequence.
type Handler interface {
	Handle(req *Request, start StartResponse) (iter.Seq[[]byte], error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(*Request, StartResponse) (iter.Seq[[]byte], error)

// Handle implements Handler.
func (f HandlerFunc) Handle(req *Request, start StartResponse) (iter.Seq[[]byte], error) {
	return f(req, start)
}

// recorder latches the status and headers declared through
// StartResponse. A parse failure is latched too, since the callback
// has no error return of its own.
type recorder struct {
	status  int
	headers map[string]string
	done    bool
	err     error
}

func (r *recorder) start(status string, headers []Header, _ error) {
	if len(status) < 3 {
		r.err = fmt.Errorf("%w: short status line %q", ErrHandlerContract, status)
		return
	}
	code, err := strconv.Atoi(status[:3])
	if err != nil {
		r.err = fmt.Errorf("%w: status line %q: %v", ErrHandlerContract, status, err)
		return
	}
	r.status = code
	r.headers = make(map[string]string, len(headers))
	for _, h := range headers {
		r.headers[h.Name] = h.Value
	}
	r.done = true
}

// Adapter bridges one Lambda invocation to one synchronous call into
// the wrapped application. It implements the aws-lambda-go
// lambda.Handler interface, and it implements Handler itself by plain
// delegation so callers outside the gateway path can treat it exactly
// like the application it wraps.
type Adapter struct {
	app    Handler
	sink   io.Writer
	logger log.Logger
}

// Wrap constructs an Adapter around app.
func Wrap(app Handler, options ...Option) *Adapter {
	a := &Adapter{
		app:    app,
		sink:   os.Stderr,
		logger: log.NewNopLogger(),
	}
	for _, option := range options {
		option(a)
	}
	return a
}

// Option sets an optional parameter for the Adapter.
type Option func(*Adapter)

// WithErrorSink sets the writer handed to the application as its
// diagnostics sink. Defaults to os.Stderr.
func WithErrorSink(w io.Writer) Option {
	return func(a *Adapter) { a.sink = w }
}

// WithLogger sets the logger used to report invocation errors before
// they are returned to the runtime. Defaults to a no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// Handle implements Handler by delegating to the wrapped application
// unchanged. This is the non-gateway path: invoked natively, the
// Adapter answers the calling convention exactly as the application
// would.
func (a *Adapter) Handle(req *Request, start StartResponse) (iter.Seq[[]byte], error) {
	return a.app.Handle(req, start)
}

// Invoke implements the AWS lambda.Handler interface. Errors are not
// recovered from: after being logged they return to the runtime, whose
// own error handling faces the caller.
func (a *Adapter) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	response, err := a.serve(payload)
	if err != nil {
		a.logger.Log("during", "invoke", "err", err)
		return nil, err
	}
	return json.Marshal(response)
}

func (a *Adapter) serve(payload []byte) (*events.APIGatewayProxyResponse, error) {
	rec := &recorder{}

	req, err := NewRequest(payload, a.sink)
	if err != nil {
		return nil, err
	}

	chunks, err := a.app.Handle(req, rec.start)
	if err != nil {
		return nil, err
	}

	// Concatenating tolerates zero, one, or many chunks; an empty
	// chunk does not end collection, and a nil sequence counts as
	// zero chunks.
	var body bytes.Buffer
	if chunks != nil {
		for chunk := range chunks {
			body.Write(chunk)
		}
	}

	if rec.err != nil {
		return nil, rec.err
	}
	if !rec.done {
		return nil, fmt.Errorf("%w: no response declared", ErrHandlerContract)
	}

	response := &events.APIGatewayProxyResponse{
		StatusCode:      rec.status,
		Headers:         rec.headers,
		Body:            body.String(),
		IsBase64Encoded: false,
	}
	if rec.headers != nil {
		contentType, ok := rec.headers["Content-Type"]
		if !ok {
			return nil, fmt.Errorf("%w: headers recorded without Content-Type", ErrHandlerContract)
		}
		if binaryContent(contentType) {
			response.Body = base64.StdEncoding.EncodeToString(body.Bytes())
			response.IsBase64Encoded = true
		}
	}
	return response, nil
}

// textMarkers are the Content-Type substrings that keep a body in text
// form; anything else ships base64-encoded for binary safety.
var textMarkers = []string{"text", "json", "xml", "javascript", "charset="}

func binaryContent(contentType string) bool {
	for _, marker := range textMarkers {
		if strings.Contains(contentType, marker) {
			return false
		}
	}
	return true
}

// Start wraps app and hands the Adapter to the Lambda runtime. It
// blocks for the lifetime of the process.
func Start(app Handler, options ...Option) {
	lambda.Start(Wrap(app, options...))
}
