package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// StatusRange is an inclusive HTTP status code range.
type StatusRange struct {
	Lo int
	Hi int
}

// StatusRanges is a parsed accept-status expression. A probe response
// is considered healthy when its status code falls into any range.
type StatusRanges []StatusRange

// ParseAcceptStatus parses an accept-status expression such as
// "200-399" or "200,204,301-302" into status ranges. Codes must be
// valid HTTP status codes and range bounds must be ordered.
func ParseAcceptStatus(expr string) (StatusRanges, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("accept-status expression is empty")
	}

	parts := strings.Split(expr, ",")
	ranges := make(StatusRanges, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("accept-status expression %q has an empty element", expr)
		}

		lo, hi, err := parseStatusPart(part)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, StatusRange{Lo: lo, Hi: hi})
	}

	return ranges, nil
}

func parseStatusPart(part string) (lo, hi int, err error) {
	if idx := strings.IndexByte(part, '-'); idx >= 0 {
		lo, err = parseStatusCode(strings.TrimSpace(part[:idx]))
		if err != nil {
			return 0, 0, err
		}
		hi, err = parseStatusCode(strings.TrimSpace(part[idx+1:]))
		if err != nil {
			return 0, 0, err
		}
		if lo > hi {
			return 0, 0, fmt.Errorf("accept-status range %q is inverted", part)
		}
		return lo, hi, nil
	}

	lo, err = parseStatusCode(part)
	if err != nil {
		return 0, 0, err
	}
	return lo, lo, nil
}

func parseStatusCode(s string) (int, error) {
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("accept-status code %q is not a number", s)
	}
	if code < 100 || code > 599 {
		return 0, fmt.Errorf("accept-status code %d is out of range (100-599)", code)
	}
	return code, nil
}

// Contains returns true when code falls into any range.
func (rs StatusRanges) Contains(code int) bool {
	for _, r := range rs {
		if code >= r.Lo && code <= r.Hi {
			return true
		}
	}
	return false
}

// String renders the ranges back into expression form.
func (rs StatusRanges) String() string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.Lo == r.Hi {
			parts = append(parts, strconv.Itoa(r.Lo))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.Lo, r.Hi))
		}
	}
	return strings.Join(parts, ",")
}
