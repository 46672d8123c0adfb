package proxy

import (
	"errors"
	"testing"
)

func TestParseRange(t *testing.T) {
	cases := []struct {
		name   string
		header string
		total  int64
		want   byteRange
		err    error
	}{
		{name: "closed", header: "bytes=100-199", total: 1000, want: byteRange{start: 100, length: 100}},
		{name: "open", header: "bytes=900-", total: 1000, want: byteRange{start: 900, length: 100}},
		{name: "suffix", header: "bytes=-10", total: 1000, want: byteRange{start: 990, length: 10}},
		{name: "suffix larger than total", header: "bytes=-5000", total: 1000, want: byteRange{start: 0, length: 1000}},
		{name: "end clamped", header: "bytes=990-2000", total: 1000, want: byteRange{start: 990, length: 10}},
		{name: "unknown total open", header: "bytes=5-", total: -1, want: byteRange{start: 5, length: -1}},
		{name: "unknown total closed", header: "bytes=5-9", total: -1, want: byteRange{start: 5, length: 5}},
		{name: "start beyond", header: "bytes=1000-", total: 1000, err: errRangeUnsatisfiable},
		{name: "suffix unknown total", header: "bytes=-10", total: -1, err: errRangeUnsatisfiable},
		{name: "zero suffix", header: "bytes=-0", total: 1000, err: errRangeUnsatisfiable},
		{name: "multi", header: "bytes=0-1,5-6", total: 1000, err: errRangeMalformed},
		{name: "unit", header: "items=0-1", total: 1000, err: errRangeMalformed},
		{name: "reversed", header: "bytes=10-5", total: 1000, err: errRangeMalformed},
		{name: "garbage", header: "bytes=a-b", total: 1000, err: errRangeMalformed},
	}
	for _, tc := range cases {
		got, err := parseRange(tc.header, tc.total)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("%s: expected %v, got %v", tc.name, tc.err, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.name, tc.want, got)
		}
	}
}

func TestContentRange(t *testing.T) {
	if got := contentRange(byteRange{start: 100, length: 100}, 1000); got != "bytes 100-199/1000" {
		t.Fatalf("unexpected content range %q", got)
	}
	if got := contentRange(byteRange{start: 5, length: 5}, -1); got != "bytes 5-9/*" {
		t.Fatalf("unexpected content range %q", got)
	}
	if got := unsatisfiedRange(1000); got != "bytes */1000" {
		t.Fatalf("unexpected unsatisfied range %q", got)
	}
}

func TestResolveRange(t *testing.T) {
	rng, status, err := resolveRange("", 1000)
	if err != nil || status != 200 || rng.length != 1000 {
		t.Fatalf("expected whole resource, got %+v %d %v", rng, status, err)
	}
	rng, status, err = resolveRange("bytes=0-", 1000)
	if err != nil || status != 200 || rng.length != 1000 {
		t.Fatalf("expected full range to be served as 200, got %+v %d %v", rng, status, err)
	}
	if _, status, _ = resolveRange("bytes=oops", 1000); status != 200 {
		t.Fatalf("malformed range must be ignored, got %d", status)
	}
	if _, _, err = resolveRange("bytes=10-", -1); err == nil {
		t.Fatalf("open range past 0 on unknown length must be rejected")
	}
	rng, status, err = resolveRange("bytes=10-19", 1000)
	if err != nil || status != 206 || rng.start != 10 || rng.length != 10 {
		t.Fatalf("expected partial content, got %+v %d %v", rng, status, err)
	}
}
