package proxy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	errRangeMalformed     = errors.New("malformed range header")
	errRangeUnsatisfiable = errors.New("range not satisfiable")
)

// byteRange 是解析后的单段区间。length 为 -1 表示读到资源末尾（总长未知）。
type byteRange struct {
	start  int64
	length int64
}

func (r byteRange) end() int64 {
	if r.length < 0 {
		return -1
	}
	return r.start + r.length - 1
}

// parseRange 解析单段 bytes 区间：a-b、a-、-n。total 为 -1 时后缀区间无法解析。
// 多段区间不支持，按 malformed 处理，由调用方回退为整段响应。
func parseRange(header string, total int64) (byteRange, error) {
	raw := strings.TrimSpace(header)
	unit, set, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(unit) != "bytes" {
		return byteRange{}, errRangeMalformed
	}
	set = strings.TrimSpace(set)
	if set == "" || strings.Contains(set, ",") {
		return byteRange{}, errRangeMalformed
	}
	first, last, ok := strings.Cut(set, "-")
	if !ok {
		return byteRange{}, errRangeMalformed
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	if first == "" {
		n, err := parseOffset(last)
		if err != nil {
			return byteRange{}, err
		}
		if total < 0 || n == 0 {
			return byteRange{}, errRangeUnsatisfiable
		}
		if n > total {
			n = total
		}
		return byteRange{start: total - n, length: n}, nil
	}

	start, err := parseOffset(first)
	if err != nil {
		return byteRange{}, err
	}
	if total >= 0 && start >= total {
		return byteRange{}, errRangeUnsatisfiable
	}
	if last == "" {
		if total < 0 {
			return byteRange{start: start, length: -1}, nil
		}
		return byteRange{start: start, length: total - start}, nil
	}

	end, err := parseOffset(last)
	if err != nil {
		return byteRange{}, err
	}
	if end < start {
		return byteRange{}, errRangeMalformed
	}
	if total >= 0 && end >= total {
		end = total - 1
	}
	return byteRange{start: start, length: end - start + 1}, nil
}

func parseOffset(raw string) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %q", errRangeMalformed, raw)
	}
	return v, nil
}

// contentRange 生成 Content-Range 头；total 未知时写 *。
func contentRange(r byteRange, total int64) string {
	size := "*"
	if total >= 0 {
		size = strconv.FormatInt(total, 10)
	}
	return fmt.Sprintf("bytes %d-%d/%s", r.start, r.end(), size)
}

func unsatisfiedRange(total int64) string {
	if total < 0 {
		return "bytes */*"
	}
	return fmt.Sprintf("bytes */%d", total)
}
