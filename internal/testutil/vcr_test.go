package testutil

import (
	"net/http/httptest"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
)

func TestMatchRequest(t *testing.T) {
	recorded := cassette.Request{
		Method: "POST",
		URL:    "http://localhost:9200/logs/_search?request_cache=true&batched_reduce_size=512",
	}

	tests := []struct {
		name   string
		method string
		target string
		want   bool
	}{
		{name: "same", method: "POST", target: "http://localhost:9200/logs/_search?request_cache=true&batched_reduce_size=512", want: true},
		{name: "other host, reordered query", method: "POST", target: "http://es.internal:9243/logs/_search?batched_reduce_size=512&request_cache=true", want: true},
		{name: "other method", method: "GET", target: "http://localhost:9200/logs/_search?request_cache=true&batched_reduce_size=512", want: false},
		{name: "other path", method: "POST", target: "http://localhost:9200/other/_search?request_cache=true&batched_reduce_size=512", want: false},
		{name: "other query", method: "POST", target: "http://localhost:9200/logs/_search?request_cache=false&batched_reduce_size=512", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.target, nil)
			if got := MatchRequest(r, recorded); got != tt.want {
				t.Errorf("MatchRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}
