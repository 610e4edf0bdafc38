package models

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)```")

// DecodeObject extracts a JSON object from free model text.
// A fenced code block wins; otherwise the largest object ending at the last
// closing brace is used. Malformed candidates go through jsonrepair once.
// Returns nil when nothing decodes.
func DecodeObject(text string) map[string]any {
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		if obj := parseObject(m[1]); obj != nil {
			return obj
		}
	}
	return parseObject(text)
}

// CompleteObject runs a completion and decodes its JSON object.
// Transport errors are returned as is; an undecodable reply yields ErrNoJSONObject.
func CompleteObject(ctx context.Context, gw Gateway, req Request) (map[string]any, error) {
	text, err := gw.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	obj := DecodeObject(text)
	if obj == nil {
		return nil, fmt.Errorf("%s: %w", req.Purpose, ErrNoJSONObject)
	}
	return obj, nil
}

func parseObject(s string) map[string]any {
	s = strings.TrimSpace(s)
	end := strings.LastIndex(s, "}")
	if end < 0 {
		return nil
	}
	first := strings.Index(s, "{")
	if first < 0 || first > end {
		return nil
	}

	for start := first; start >= 0 && start < end; {
		if obj := unmarshalObject(s[start : end+1]); obj != nil {
			return obj
		}
		next := strings.Index(s[start+1:end], "{")
		if next < 0 {
			break
		}
		start += next + 1
	}

	repaired, err := jsonrepair.JSONRepair(s[first : end+1])
	if err != nil {
		return nil
	}
	return unmarshalObject(repaired)
}

func unmarshalObject(s string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}
