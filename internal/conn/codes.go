package conn

import (
	"net/http"

	"github.com/jamesprial/sockroute/pkg/wsproto"
)

// CloseCodeForStatus maps an HTTP status to the close code used when the
// same failure has to be reported on an upgraded channel.
// Statuses of 500 and above map to 1011; anything lower maps into the
// application-reserved range as 4000+status (401 becomes 4401).
func CloseCodeForStatus(status int) int {
	if status >= http.StatusInternalServerError {
		return wsproto.CloseInternalError
	}
	return wsproto.CloseApplicationBase + status
}

// statusText returns the reason phrase for status, falling back to a
// generic phrase for codes net/http does not know.
func statusText(status int) string {
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "Unknown Status"
}
