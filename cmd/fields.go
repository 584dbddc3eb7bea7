package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/marcus/tally/internal/dateparse"
	"github.com/marcus/tally/internal/models"
)

// parseAssignments turns "field=value" and "field:=json" arguments into
// entity fields. Plain values stay strings; ":=" values are decoded as JSON.
func parseAssignments(args []string) (models.Entity, error) {
	fields := models.Entity{}
	for _, arg := range args {
		if eq := strings.IndexByte(arg, '='); eq > 1 && arg[eq-1] == ':' {
			key, raw := arg[:eq-1], arg[eq+1:]
			var val any
			if err := json.Unmarshal([]byte(raw), &val); err != nil {
				return nil, fmt.Errorf("%s: invalid JSON value: %w", key, err)
			}
			fields[key] = val
			continue
		}
		key, val, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		fields[key] = val
	}
	return fields, nil
}

// readData decodes a JSON object from the --data flag: inline JSON, @file or
// "-" for stdin.
func readData(src string, stdin io.Reader) (models.Entity, error) {
	var data []byte
	var err error
	switch {
	case src == "":
		return nil, nil
	case src == "-":
		data, err = io.ReadAll(stdin)
	case strings.HasPrefix(src, "@"):
		data, err = os.ReadFile(src[1:])
	default:
		data = []byte(src)
	}
	if err != nil {
		return nil, err
	}
	var e models.Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("--data: %w", err)
	}
	if e == nil {
		return nil, fmt.Errorf("--data: expected a JSON object")
	}
	return e, nil
}

// collectFields merges --data with field assignments; assignments win.
func collectFields(dataSrc string, stdin io.Reader, args []string) (models.Entity, error) {
	fields, err := readData(dataSrc, stdin)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = models.Entity{}
	}
	assigned, err := parseAssignments(args)
	if err != nil {
		return nil, err
	}
	for k, v := range assigned {
		fields[k] = v
	}
	return fields, nil
}

// resolveDates rewrites shorthand values ("today", "-3d", "friday") in the
// collection's date fields to timestamps. Full timestamps pass through.
func resolveDates(collection string, fields models.Entity, now time.Time) error {
	schema, ok := models.Lookup(collection)
	if !ok {
		return nil
	}
	for k, v := range fields {
		s, isString := v.(string)
		if !isString || s == "" || !schema.IsDateField(k) {
			continue
		}
		if _, ok := models.AsTime(s); ok {
			continue
		}
		t, err := dateparse.ParseFrom(s, now)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		fields[k] = t
	}
	return nil
}
