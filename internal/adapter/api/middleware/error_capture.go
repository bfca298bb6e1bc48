package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/V4T54L/event-intake/internal/adapter/metrics"
	"github.com/V4T54L/event-intake/internal/domain"
)

const (
	// SentinelEvent is the event name that deliberately fails a submission so
	// the capture path can be exercised end to end.
	SentinelEvent = "explode"

	maxSafeStringLen = 100
)

// HandlerFunc is an HTTP handler that reports unexpected failures by
// returning them instead of writing a response.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// DeliberateError is raised for the sentinel event.
type DeliberateError struct {
	Path   string
	UserID string
	stack  []byte
}

func (e *DeliberateError) Error() string {
	return fmt.Sprintf("BOOM! Event '%s' triggered at %s for user %s", SentinelEvent, e.Path, e.UserID)
}

// StackTrace returns the stack at the point the error was raised.
func (e *DeliberateError) StackTrace() string { return string(e.stack) }

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// StackTrace returns the stack of the panicking goroutine.
func (e *PanicError) StackTrace() string { return string(e.stack) }

// CheckSentinel returns a *DeliberateError when input submits the sentinel
// event. Anything else that goes wrong while checking is ignored.
func CheckSentinel(input any, path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = nil
		}
	}()

	m, ok := input.(map[string]any)
	if !ok {
		return nil
	}
	if name, _ := m["event"].(string); name != SentinelEvent {
		return nil
	}
	user, _ := m["user_id"].(string)
	if user == "" {
		user = "unknown"
	}
	return &DeliberateError{Path: path, UserID: user, stack: debug.Stack()}
}

type inputKey struct{}

type inputHolder struct {
	value any
	set   bool
}

// SetInput records the decoded request body so a diagnostic can include a
// safe projection of it. It is a no-op outside ErrorCapture.
func SetInput(ctx context.Context, input any) {
	if h, ok := ctx.Value(inputKey{}).(*inputHolder); ok {
		h.value, h.set = input, true
	}
}

// ErrorCapture turns unhandled handler failures into one structured
// diagnostic record and a generic 500 response.
type ErrorCapture struct {
	logger  *slog.Logger
	metrics *metrics.IngestMetrics
	now     func() time.Time
	encode  func(v any) ([]byte, error)
}

// NewErrorCapture creates the capture seam. m may be nil.
func NewErrorCapture(logger *slog.Logger, m *metrics.IngestMetrics) *ErrorCapture {
	return &ErrorCapture{
		logger:  logger.With("component", "error_capture"),
		metrics: m,
		now:     time.Now,
		encode:  json.Marshal,
	}
}

// Wrap adapts h to http.Handler, capturing returned errors and panics.
func (c *ErrorCapture) Wrap(h HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		holder := &inputHolder{}
		r = r.WithContext(context.WithValue(r.Context(), inputKey{}, holder))
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		err := c.run(h, rw, r)
		if err == nil {
			return
		}

		c.capture(r, holder, err)
		if !rw.wroteHeader {
			writeInternalError(rw)
		}
	})
}

func (c *ErrorCapture) run(h HandlerFunc, w http.ResponseWriter, r *http.Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err = &PanicError{Value: rec, stack: debug.Stack()}
		}
	}()
	return h(w, r)
}

// DiagnosticRecord is the structured record emitted for an unhandled error.
type DiagnosticRecord struct {
	Type       string         `json:"type"`
	Error      ErrorInfo      `json:"error"`
	StackTrace string         `json:"stack_trace"`
	Request    RequestInfo    `json:"request"`
	Input      map[string]any `json:"input"`
	Timestamp  string         `json:"timestamp"`
}

type ErrorInfo struct {
	Message       string `json:"message"`
	ExceptionType string `json:"exception_type"`
	Module        string `json:"module"`
}

type RequestInfo struct {
	Endpoint  string `json:"endpoint"`
	Method    string `json:"method"`
	RequestID string `json:"request_id"`
	UserAgent string `json:"user_agent"`
	ClientIP  string `json:"client_ip"`
}

func (c *ErrorCapture) capture(r *http.Request, holder *inputHolder, cause error) {
	if c.metrics != nil {
		c.metrics.UnhandledErrors.Inc()
	}

	b, err := c.buildRecord(r, holder, cause)
	if err != nil {
		c.logger.Error("failed to log exception", "log_error", err)
		c.logger.Error("original exception", "error", cause.Error())
		return
	}
	c.logger.Error("FANCYLOG", "diagnostic", json.RawMessage(b))
}

func (c *ErrorCapture) buildRecord(r *http.Request, holder *inputHolder, cause error) (b []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("building diagnostic record panicked: %v", rec)
		}
	}()

	requestID := RequestIDFromContext(r.Context())
	if requestID == "" {
		requestID = r.Header.Get(RequestIDHeader)
	}
	if requestID == "" {
		requestID = "unknown"
	}

	root := rootCause(cause)
	record := DiagnosticRecord{
		Type: "unhandled_exception",
		Error: ErrorInfo{
			Message:       cause.Error(),
			ExceptionType: typeName(root),
			Module:        typePackage(root),
		},
		StackTrace: stackTrace(cause),
		Request: RequestInfo{
			Endpoint:  r.URL.Path,
			Method:    r.Method,
			RequestID: requestID,
			UserAgent: r.UserAgent(),
			ClientIP:  ClientIP(r),
		},
		Input:     map[string]any{},
		Timestamp: c.now().UTC().Format(time.RFC3339Nano),
	}
	if holder != nil && holder.set {
		record.Input = SafeInput(holder.value)
	}
	return c.encode(record)
}

// SafeInput projects a request body onto a few allow-listed fields. Strings
// are cut at 100 characters and metadata is reduced to its size and key count.
func SafeInput(input any) (out map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			out = map[string]any{"error": "could_not_extract_input"}
		}
	}()

	if input == nil {
		return map[string]any{}
	}
	data, ok := input.(map[string]any)
	if !ok {
		return map[string]any{"input_type": jsonKind(input)}
	}

	out = make(map[string]any)
	for _, field := range []string{"event", "user_id"} {
		v, ok := data[field]
		if !ok {
			continue
		}
		switch tv := v.(type) {
		case string:
			out[field] = truncate(tv, maxSafeStringLen)
		case map[string]any, []any:
			out[field] = jsonKind(tv)
		default:
			out[field] = tv
		}
	}
	if md, ok := data["metadata"].(map[string]any); ok {
		size, err := domain.MetadataSize(md)
		if err != nil {
			size = -1
		}
		out["metadata_size"] = size
		out["metadata_key_count"] = len(md)
	}

	fields := make([]string, 0, len(data))
	for k := range data {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	out["input_fields"] = fields
	return out
}

// ClientIP returns the first X-Forwarded-For hop, else the remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, json.Number:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func typeName(err error) string {
	return fmt.Sprintf("%T", err)
}

func typePackage(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return "builtin"
	}
	return t.PkgPath()
}

// stackTrace prefers a stack recorded by the error itself and otherwise lists
// the wrap chain.
func stackTrace(err error) string {
	var st interface{ StackTrace() string }
	if errors.As(err, &st) {
		return st.StackTrace()
	}
	var sb strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		if sb.Len() > 0 {
			sb.WriteString("caused by: ")
		}
		fmt.Fprintf(&sb, "%T: %s\n", e, e.Error())
	}
	return sb.String()
}

func writeInternalError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    "INTERNAL_ERROR",
			"message": "internal server error",
		},
	})
}
