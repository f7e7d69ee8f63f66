package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

var (
	// ErrMalformedEvent means the event payload is missing required
	// fields for the schema version it declares, or is not valid JSON.
	ErrMalformedEvent = errors.New("gateway: malformed event")

	// ErrNotGatewayEvent means the payload carries no version
	// discriminator and therefore did not arrive through API Gateway.
	// Such invocations use the Handler interface directly.
	ErrNotGatewayEvent = errors.New("gateway: event has no version")
)

// Environ is the CGI-style variable map of the canonical request
// context. Inbound header names are folded to upper case with dashes
// replaced by underscores; every header except Content-Type and
// Content-Length lives under the HTTP_ prefix, which keeps application
// headers from colliding with protocol variables.
type Environ map[string]string

const headerPrefix = "HTTP_"

func newEnviron() Environ {
	return Environ{
		"HTTP_HOST":              "",
		"HTTP_X_FORWARDED_PORT":  "",
		"HTTP_X_FORWARDED_PROTO": "",
		"SCRIPT_NAME":            "",
	}
}

func (e Environ) setHeader(name, value string) {
	name = strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	switch name {
	case "CONTENT_TYPE", "CONTENT_LENGTH":
		e[name] = value
	default:
		e[headerPrefix+name] = value
	}
}

// Request is the canonical request context for a single invocation. It
// is built fresh per event and shares nothing with other invocations.
type Request struct {
	Env Environ

	// Body is the request body stream: decoded bytes when the event
	// was base64-encoded, the raw text otherwise, and an empty stream
	// when the event carried no body at all.
	Body io.Reader

	// Errors is where the application writes its diagnostics.
	Errors io.Writer

	// Scheme is the URL scheme reported by the gateway, taken from the
	// X-Forwarded-Proto header.
	Scheme string

	// One-shot invocation flags: each request is handled exactly once,
	// on one goroutine, in one process.
	Multithread  bool
	RunOnce      bool
	Multiprocess bool
}

// eventEnvelope probes key presence that the typed event structs
// cannot express.
type eventEnvelope struct {
	Version *string `json:"version"`
	Body    *string `json:"body"`
}

// NewRequest normalizes one API Gateway event into the canonical
// request context. Version "1.0" selects the REST (proxy) event shape;
// every other version selects the HTTP API v2 shape, which also covers
// Lambda Function URL events. The sink becomes the request's Errors
// writer.
func NewRequest(payload []byte, sink io.Writer) (*Request, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if envelope.Version == nil {
		return nil, ErrNotGatewayEvent
	}

	env := newEnviron()

	var (
		query map[string]string
		body  string
		isB64 bool
	)
	if *envelope.Version == "1.0" {
		var event events.APIGatewayProxyRequest
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		setHeaders(env, event.Headers)
		env["REQUEST_METHOD"] = event.HTTPMethod
		env["PATH_INFO"] = event.Path
		env["REMOTE_ADDR"] = event.RequestContext.Identity.SourceIP
		env["SERVER_PROTOCOL"] = event.RequestContext.Protocol
		query, body, isB64 = event.QueryStringParameters, event.Body, event.IsBase64Encoded
	} else {
		var event events.APIGatewayV2HTTPRequest
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		setHeaders(env, event.Headers)
		env["REQUEST_METHOD"] = event.RequestContext.HTTP.Method
		env["PATH_INFO"] = event.RequestContext.HTTP.Path
		env["REMOTE_ADDR"] = event.RequestContext.HTTP.SourceIP
		env["SERVER_PROTOCOL"] = event.RequestContext.HTTP.Protocol
		query, body, isB64 = event.QueryStringParameters, event.Body, event.IsBase64Encoded
	}
	for _, name := range []string{"REQUEST_METHOD", "PATH_INFO", "REMOTE_ADDR", "SERVER_PROTOCOL"} {
		if env[name] == "" {
			return nil, fmt.Errorf("%w: missing %s for version %q", ErrMalformedEvent, name, *envelope.Version)
		}
	}
	env["QUERY_STRING"] = encodeQuery(query)

	env["SERVER_PORT"] = env["HTTP_X_FORWARDED_PORT"]

	req := &Request{
		Env:     env,
		Errors:  sink,
		Scheme:  env["HTTP_X_FORWARDED_PROTO"],
		RunOnce: true,
	}

	switch {
	case envelope.Body == nil:
		env["CONTENT_LENGTH"] = ""
		req.Body = bytes.NewReader(nil)
	case isB64:
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("gateway: decode body: %w", err)
		}
		env["CONTENT_LENGTH"] = strconv.Itoa(len(raw))
		req.Body = bytes.NewReader(raw)
	default:
		env["CONTENT_LENGTH"] = strconv.Itoa(len(body))
		req.Body = strings.NewReader(body)
	}

	// Fail fast on a context net/http cannot parse. The result is
	// discarded; only the error matters.
	target := url.URL{Scheme: "http", Host: "lambda", Path: env["PATH_INFO"], RawQuery: env["QUERY_STRING"]}
	if _, err := http.NewRequest(env["REQUEST_METHOD"], target.String(), nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	return req, nil
}

func setHeaders(env Environ, headers map[string]string) {
	for name, value := range headers {
		env.setHeader(name, value)
	}
}

func encodeQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	values := make(url.Values, len(params))
	for name, value := range params {
		values.Set(name, value)
	}
	return values.Encode()
}
