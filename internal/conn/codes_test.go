package conn

import "testing"

func TestCloseCodeForStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   int
	}{
		{name: "bad request", status: 400, want: 4400},
		{name: "unauthorized", status: 401, want: 4401},
		{name: "forbidden", status: 403, want: 4403},
		{name: "not found", status: 404, want: 4404},
		{name: "internal error", status: 500, want: 1011},
		{name: "bad gateway", status: 502, want: 1011},
		{name: "non-standard high", status: 599, want: 1011},
		{name: "informational", status: 200, want: 4200},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := CloseCodeForStatus(tt.status); got != tt.want {
				t.Errorf("CloseCodeForStatus(%d) = %d, want %d", tt.status, got, tt.want)
			}
		})
	}
}

func TestStatusText(t *testing.T) {
	t.Parallel()

	if got := statusText(404); got != "Not Found" {
		t.Errorf("statusText(404) = %q, want %q", got, "Not Found")
	}
	if got := statusText(499); got != "Unknown Status" {
		t.Errorf("statusText(499) = %q, want %q", got, "Unknown Status")
	}
}
