// ogc-gateway federates OGC API Processes providers behind one HTTP surface.
// Copyright (C) 2025 ogc-gateway contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package processmanager

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/citysciencelab/ogc-gateway/internal/gwerr"
)

// ValidateInputs checks an execution body's "inputs" object against the
// JSON-Schema-shaped field constraints embedded in a process
// description: bounds (minimum/maximum), enum, pattern, minItems/
// maxItems, uniqueItems, and basic type checks. schema is keyed by input
// name; an input absent from schema is passed through unchecked.
func ValidateInputs(execBody json.RawMessage, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	var body struct {
		Inputs map[string]json.RawMessage `json:"inputs"`
	}
	if err := json.Unmarshal(execBody, &body); err != nil {
		return gwerr.Wrap(gwerr.InvalidUsage, "execution body must be a JSON object", err)
	}
	for name, rawSchema := range schema {
		fieldSchema, ok := rawSchema.(map[string]any)
		if !ok {
			continue
		}
		rawVal, present := body.Inputs[name]
		if !present {
			if req, _ := fieldSchema["required"].(bool); req {
				return gwerr.New(gwerr.InvalidUsage, "missing required input "+name)
			}
			continue
		}
		var val any
		if err := json.Unmarshal(rawVal, &val); err != nil {
			return gwerr.Wrap(gwerr.InvalidUsage, "input "+name+" is not valid JSON", err)
		}
		if err := validateValue(name, val, fieldSchema); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(name string, val any, schema map[string]any) error {
	if t, ok := schema["type"].(string); ok {
		if err := validateType(name, val, t); err != nil {
			return err
		}
	}
	if enum, ok := schema["enum"].([]any); ok {
		if !containsEqual(enum, val) {
			return gwerr.New(gwerr.InvalidUsage, fmt.Sprintf("input %s must be one of %v", name, enum))
		}
	}
	if num, ok := val.(float64); ok {
		if min, ok := schema["minimum"].(float64); ok && num < min {
			return gwerr.New(gwerr.InvalidUsage, fmt.Sprintf("input %s below minimum %v", name, min))
		}
		if max, ok := schema["maximum"].(float64); ok && num > max {
			return gwerr.New(gwerr.InvalidUsage, fmt.Sprintf("input %s above maximum %v", name, max))
		}
	}
	if s, ok := val.(string); ok {
		if pattern, ok := schema["pattern"].(string); ok {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return gwerr.Wrap(gwerr.InternalError, "invalid pattern for "+name, err)
			}
			if !re.MatchString(s) {
				return gwerr.New(gwerr.InvalidUsage, "input "+name+" does not match required pattern")
			}
		}
	}
	if arr, ok := val.([]any); ok {
		if minItems, ok := intOf(schema["minItems"]); ok && len(arr) < minItems {
			return gwerr.New(gwerr.InvalidUsage, fmt.Sprintf("input %s has fewer than %d items", name, minItems))
		}
		if maxItems, ok := intOf(schema["maxItems"]); ok && len(arr) > maxItems {
			return gwerr.New(gwerr.InvalidUsage, fmt.Sprintf("input %s has more than %d items", name, maxItems))
		}
		if unique, ok := schema["uniqueItems"].(bool); ok && unique && hasDuplicates(arr) {
			return gwerr.New(gwerr.InvalidUsage, "input "+name+" must have unique items")
		}
	}
	return nil
}

func validateType(name string, val any, t string) error {
	ok := false
	switch t {
	case "string":
		_, ok = val.(string)
	case "number":
		_, ok = val.(float64)
	case "integer":
		f, isNum := val.(float64)
		ok = isNum && f == float64(int64(f))
	case "boolean":
		_, ok = val.(bool)
	case "array":
		_, ok = val.([]any)
	case "object":
		_, ok = val.(map[string]any)
	default:
		ok = true
	}
	if !ok {
		return gwerr.New(gwerr.InvalidUsage, fmt.Sprintf("input %s must be of type %s", name, t))
	}
	return nil
}

func containsEqual(list []any, v any) bool {
	for _, e := range list {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func intOf(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func hasDuplicates(arr []any) bool {
	seen := make(map[string]bool, len(arr))
	for _, e := range arr {
		key := fmt.Sprint(e)
		if seen[key] {
			return true
		}
		seen[key] = true
	}
	return false
}
