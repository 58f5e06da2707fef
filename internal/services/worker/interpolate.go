package worker

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var tokenPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// stepState is what a completed, failed, or skipped step leaves behind for
// later steps to interpolate.
type stepState struct {
	Output  string
	Error   string
	Skipped bool
}

func (s *stepState) field(name string) string {
	switch name {
	case "output":
		return s.Output
	case "error":
		return s.Error
	case "skipped":
		if s.Skipped {
			return "true"
		}
		return "false"
	}
	return ""
}

// flowContext carries the interpolation scope for one flow run.
type flowContext struct {
	flow    map[string]string
	steps   map[string]*stepState
	payload map[string]any
	now     func() time.Time
}

func newFlowContext(flowID, name string, payload map[string]any) *flowContext {
	return &flowContext{
		flow:    map[string]string{"id": flowID, "name": name},
		steps:   make(map[string]*stepState),
		payload: payload,
		now:     time.Now,
	}
}

// interpolate replaces every {{path}} token in text. Unknown roots are left
// as literal text so malformed templates surface in output.
func (c *flowContext) interpolate(text string) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		parts := strings.Split(path, ".")

		switch parts[0] {
		case "env":
			if len(parts) >= 2 {
				return os.Getenv(parts[1])
			}
		case "date":
			return c.dateToken(parts)
		case "steps":
			if len(parts) >= 3 {
				if state, ok := c.steps[parts[1]]; ok {
					return state.field(parts[2])
				}
				return ""
			}
		case "flow":
			if len(parts) >= 2 {
				return c.flow[parts[1]]
			}
		case "trigger":
			if len(parts) >= 2 {
				if parts[1] == "payload" && len(parts) >= 3 {
					return stringify(c.payload[parts[2]])
				}
				// Bare trigger fields beyond the payload are not tracked.
				return ""
			}
		}
		return match
	})
}

func (c *flowContext) dateToken(parts []string) string {
	now := c.now().UTC()
	if len(parts) >= 2 {
		switch parts[1] {
		case "today":
			return now.Format("2006-01-02")
		case "iso":
			return now.Format(time.RFC3339)
		case "week":
			year, week := now.ISOWeek()
			return fmt.Sprintf("%d-W%02d", year, week)
		case "plus_days":
			if len(parts) >= 3 {
				if days, err := strconv.Atoi(parts[2]); err == nil {
					return now.AddDate(0, 0, days).Format("2006-01-02")
				}
			}
		}
	}
	return now.Format(time.RFC3339)
}

// interpolateValue walks a decoded JSON value and interpolates every leaf
// string. Non-string leaves pass through untouched.
func (c *flowContext) interpolateValue(value any) any {
	switch v := value.(type) {
	case string:
		return c.interpolate(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = c.interpolateValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = c.interpolateValue(item)
		}
		return out
	default:
		return value
	}
}

// truthy reports whether an interpolated condition clause passes. Empty,
// "false", "0", and "skip" are falsy, case-folded.
func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0", "skip":
		return false
	}
	return true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
