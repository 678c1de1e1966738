package gateway

import (
	"net/http/httptest"
	"testing"
)

func TestQueryInt(t *testing.T) {
	cases := []struct {
		query string
		want  int
	}{
		{"", 5},
		{"?limit=abc", 5},
		{"?limit=0", 5},
		{"?limit=-3", 5},
		{"?limit=7", 7},
		{"?limit=100", 100},
		{"?limit=1000000", maxListLimit},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/api/logs"+tc.query, nil)
		if got := queryInt(r, "limit", 5); got != tc.want {
			t.Errorf("queryInt(%q) = %d, want %d", tc.query, got, tc.want)
		}
	}
}
