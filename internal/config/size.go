package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseSize parses a human-readable size string to bytes.
// Supports formats: "100", "1kb", "1.5kb", "64b" (case insensitive).
// Units: kb=1000, kib=1024 (decimal and binary bytes).
func ParseSize(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	s = strings.ToLower(s)

	multiplier := 1.0
	numStr := s

	switch {
	case strings.HasSuffix(s, "kib"):
		multiplier = 1024
		numStr = s[:len(s)-3]
	case strings.HasSuffix(s, "kb"):
		multiplier = 1_000
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "b"):
		numStr = s[:len(s)-1]
	}

	numStr = strings.TrimSpace(numStr)
	if numStr == "" {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}

	var value float64
	if _, err := fmt.Sscanf(numStr, "%f", &value); err != nil {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}

	if value < 0 {
		return 0, fmt.Errorf("size cannot be negative: %q", s)
	}

	return int(value * multiplier), nil
}

// Size is a byte count that accepts either an integer or a suffixed string.
type Size int

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("size must be a scalar")
	}
	if value.Tag == "!!int" {
		var n int
		if err := value.Decode(&n); err != nil {
			return err
		}
		*s = Size(n)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

func (s Size) Int() int {
	return int(s)
}
