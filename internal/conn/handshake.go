package conn

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/jamesprial/sockroute/pkg/wsproto"
)

// handshakeWriteWait bounds how long an aborted handshake may spend writing
// its response before the socket is destroyed.
const handshakeWriteWait = 5 * time.Second

// abortHandshake answers a pending upgrade with a minimal HTTP response and
// destroys the underlying socket. When the writer cannot be hijacked (for
// example an httptest.ResponseRecorder) the same response is written
// through the ResponseWriter instead.
func abortHandshake(w http.ResponseWriter, status int, message string, extra http.Header) {
	if message == "" {
		message = statusText(status)
	}
	headers := abortHeaders(message, extra)

	netConn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		for _, h := range headers {
			w.Header().Del(h[0])
		}
		for _, h := range headers {
			w.Header().Add(h[0], h[1])
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(message))
		return
	}
	defer netConn.Close()

	_ = netConn.SetWriteDeadline(time.Now().Add(handshakeWriteWait))
	_, _ = netConn.Write(formatAbort(status, message, headers))
}

// abortHeaders returns the ordered header lines of an aborted handshake.
// Caller-supplied headers override the defaults of the same name, except
// Content-Length, which always matches message. Every value of a
// multi-valued header is kept.
func abortHeaders(message string, extra http.Header) [][2]string {
	headers := [][2]string{
		{wsproto.HeaderConnection, "close"},
		{wsproto.HeaderContentType, wsproto.ContentTypeHTML},
		{wsproto.HeaderContentLength, strconv.Itoa(len(message))},
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		canonical := http.CanonicalHeaderKey(k)
		if canonical == wsproto.HeaderContentLength {
			continue
		}
		headers = mergeHeader(headers, canonical, extra[k])
	}
	return headers
}

// mergeHeader puts values in place of any default named key, keeping the
// default's position. Names without a default are appended.
func mergeHeader(headers [][2]string, key string, values []string) [][2]string {
	for i := range headers {
		if headers[i][0] != key {
			continue
		}
		if len(values) == 0 {
			return append(headers[:i], headers[i+1:]...)
		}
		merged := make([][2]string, 0, len(headers)+len(values)-1)
		merged = append(merged, headers[:i]...)
		for _, v := range values {
			merged = append(merged, [2]string{key, v})
		}
		return append(merged, headers[i+1:]...)
	}
	for _, v := range values {
		headers = append(headers, [2]string{key, v})
	}
	return headers
}

// formatAbort renders the raw bytes written to the socket.
func formatAbort(status int, message string, headers [][2]string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, statusText(status))
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h[0], h[1])
	}
	buf.WriteString("\r\n")
	buf.WriteString(message)
	return buf.Bytes()
}
