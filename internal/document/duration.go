package document

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts either a Go duration string ("30s", "1m30s"), an
// hh:mm:ss clock string, or a bare number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
		return nil
	case string:
		parsed, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case nil:
		*d = 0
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

func parseDuration(raw string) (Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(time.Duration(secs * float64(time.Second))), nil
	}
	if strings.Count(s, ":") == 2 {
		parts := strings.Split(s, ":")
		h, errH := strconv.Atoi(parts[0])
		m, errM := strconv.Atoi(parts[1])
		sec, errS := strconv.ParseFloat(parts[2], 64)
		if errH != nil || errM != nil || errS != nil {
			return 0, fmt.Errorf("invalid duration %q", raw)
		}
		total := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second))
		return Duration(total), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return Duration(v), nil
}
