package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsePriceArgs extracts a minimum and maximum price in whole złoty.
// Format: <min> <max>
func ParsePriceArgs(args string) (int, int, error) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected a minimum and a maximum price")
	}
	minPrice, err := parseAmount(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minimum price %q", parts[0])
	}
	maxPrice, err := parseAmount(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid maximum price %q", parts[1])
	}
	if minPrice > maxPrice {
		return 0, 0, fmt.Errorf("maximum price should be greater than minimum price")
	}
	return minPrice, maxPrice, nil
}

func parseAmount(s string) (int, error) {
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a number")
		}
	}
	return strconv.Atoi(s)
}

// ParsePageArg parses an optional 1-based page number and returns it 0-based.
func ParsePageArg(args string) (int, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, nil
	}
	page, err := strconv.Atoi(strings.Fields(s)[0])
	if err != nil || page < 1 {
		return 0, fmt.Errorf("invalid page %q", s)
	}
	return page - 1, nil
}
