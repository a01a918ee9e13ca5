package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Get returns the raw value under the dotted key k, or nil.
func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

// IsSet reports whether k holds a value.
func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		if v, ok = m[p]; !ok {
			return nil
		}
	}
	return v
}

// GetString returns the value under k formatted as a string, or d.
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}
	return fmt.Sprintf("%v", r)
}

// GetInt returns the integer under k, or d if it is missing or not an
// integer. Sizes and counts of the tx.* settings are read with it.
func (c *C) GetInt(k string, d int) int {
	switch v := c.Get(k).(type) {
	case int:
		return v
	case nil:
		return d
	default:
		n, err := strconv.Atoi(fmt.Sprintf("%v", v))
		if err != nil {
			return d
		}
		return n
	}
}

// GetBool returns the boolean under k, or d. Besides the YAML booleans it
// accepts y, yes, n and no in any case.
func (c *C) GetBool(k string, d bool) bool {
	r := c.Get(k)
	if b, ok := r.(bool); ok {
		return b
	}
	if r == nil {
		return d
	}

	s := strings.ToLower(fmt.Sprintf("%v", r))
	switch s {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return d
	}
	return v
}

// GetDuration returns the duration under k, such as stats.interval, or d.
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}
