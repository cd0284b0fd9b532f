package coapclient

import (
	"mime"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBufferSize is the default maximum response body size (255 KiB).
const DefaultBufferSize = 255 * 1024

// Logger is the logging interface used by this package.
// It is satisfied by *logging.Logger and *slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// completion turns a transport outcome into the resolution of a Future.
type completion struct {
	fallbackEncoding string
	logger           Logger

	// failureLog keeps an unreachable device from flooding the log.
	failureLog *rate.Sometimes
}

func newCompletion(fallbackEncoding string, logger Logger) *completion {
	if fallbackEncoding == "" {
		fallbackEncoding = DefaultEncoding
	}
	return &completion{
		fallbackEncoding: fallbackEncoding,
		logger:           logger,
		failureLog:       &rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
}

// complete resolves f from the result of sending req.
//
//   - transport error: resolved with no content and no error
//   - 2.xx response: resolved with Content
//   - any other code: resolved with *StatusError
func (c *completion) complete(f *Future, req Request, resp *Response, err error) {
	target := targetString(req)

	if err != nil {
		logged := false
		c.failureLog.Do(func() {
			logged = true
			c.warn("requesting resource failed", "target", target, "method", req.Method, "error", err)
		})
		if !logged {
			c.debug("requesting resource failed", "target", target, "method", req.Method, "error", err)
		}
		f.resolve(nil, nil)
		return
	}

	if resp == nil {
		c.warn("transport returned no response", "target", target, "method", req.Method)
		f.resolve(nil, nil)
		return
	}

	if !resp.IsSuccess() {
		c.warn("request rejected by device", "target", target, "method", req.Method, "code", resp.Code.String())
		f.resolve(nil, &StatusError{Target: target, Code: resp.Code})
		return
	}

	mediaType, charset := splitMediaType(resp.MediaType)
	encoding := charset
	if encoding == "" {
		encoding = c.fallbackEncoding
	}
	content := NewContent(resp.Payload, encoding, mediaType)
	c.debug("response received", "target", target, "code", resp.Code.String(), "bytes", content.Len())
	f.resolve(&content, nil)
}

// splitMediaType separates a content format such as
// "text/plain; charset=ISO-8859-1" into its media type and charset.
func splitMediaType(raw string) (mediaType, charset string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	mt, params, err := mime.ParseMediaType(raw)
	if err != nil {
		return raw, ""
	}
	return mt, params["charset"]
}

func targetString(req Request) string {
	if req.Target == nil {
		return ""
	}
	return req.Target.String()
}

func (c *completion) warn(msg string, kv ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, kv...)
	}
}

func (c *completion) debug(msg string, kv ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, kv...)
	}
}
