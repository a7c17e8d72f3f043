// Package jsonpath resolves JSONPath-style selectors with gjson.
package jsonpath

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Get resolves path against data. Both JSONPath (`$.users[0].name`) and
// plain gjson (`users.0.name`) selectors are accepted.
func Get(data []byte, path string) gjson.Result {
	return gjson.GetBytes(data, ToGJSON(path))
}

// Lookup is Get that fails when the path does not exist.
func Lookup(data []byte, path string) (gjson.Result, error) {
	if len(data) == 0 {
		return gjson.Result{}, fmt.Errorf("empty JSON document")
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("invalid JSON document")
	}
	res := Get(data, path)
	if !res.Exists() {
		return gjson.Result{}, fmt.Errorf("path not found: %s", path)
	}
	return res, nil
}

// ToGJSON converts a JSONPath expression to gjson syntax.
//
//	$                 -> @this
//	$.users[0].name   -> users.0.name
//	$['name']         -> name
func ToGJSON(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path == "$" {
		return "@this"
	}
	if !strings.HasPrefix(path, "$") && !strings.Contains(path, "[") {
		return path
	}

	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")

	r := strings.NewReplacer(`['`, ".", `']`, "", `["`, ".", `"]`, "", "[", ".", "]", "")
	path = r.Replace(path)
	path = strings.TrimPrefix(path, ".")

	if path == "" {
		return "@this"
	}
	return path
}
