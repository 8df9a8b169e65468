package conflict

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
)

// AutoMerge performs a three-way merge of c.Local and c.Remote against the
// local record's Base.
//
// Payloads are flattened into JSON-pointer field paths; nested objects
// recurse while arrays and scalars are leaves. A path is changed on a side
// when its value or presence differs from Base. The merge succeeds only if
// no path changed on one side equals, contains or is contained by a path
// changed on the other, unless both sides wrote the same value. Missing base,
// non-object payloads and deletions never merge.
func AutoMerge[T any](c Conflict[T]) (*Decision[T], bool) {
	if c.Local.Deleted || c.Remote.Deleted || len(c.Local.Base) == 0 {
		return nil, false
	}
	base, ok := decodeObject(c.Local.Base)
	if !ok {
		return nil, false
	}
	localRaw, err := json.Marshal(c.Local.Payload)
	if err != nil {
		return nil, false
	}
	remoteRaw, err := json.Marshal(c.Remote.Payload)
	if err != nil {
		return nil, false
	}
	local, ok := decodeObject(localRaw)
	if !ok {
		return nil, false
	}
	remote, ok := decodeObject(remoteRaw)
	if !ok {
		return nil, false
	}

	baseFlat, localFlat, remoteFlat := flatten(base), flatten(local), flatten(remote)
	localChanged := changedPaths(baseFlat, localFlat)
	remoteChanged := changedPaths(baseFlat, remoteFlat)

	for _, lp := range localChanged {
		for _, rp := range remoteChanged {
			if lp == rp {
				lv, lok := localFlat[lp]
				rv, rok := remoteFlat[rp]
				if lok != rok || !reflect.DeepEqual(lv, rv) {
					return nil, false
				}
				continue
			}
			if isAncestor(lp, rp) || isAncestor(rp, lp) {
				return nil, false
			}
		}
	}

	if len(localChanged) == 0 {
		d := KeepRemote[T]()
		return &d, true
	}
	if len(remoteChanged) == 0 {
		d := KeepLocal[T]()
		return &d, true
	}

	// removals first so a leaf replaced by an object can be rebuilt
	merged := remote
	for _, path := range localChanged {
		if _, present := localFlat[path]; !present && !deletePath(merged, splitPath(path)) {
			return nil, false
		}
	}
	for _, path := range localChanged {
		if value, present := localFlat[path]; present && !setPath(merged, splitPath(path), value) {
			return nil, false
		}
	}
	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return nil, false
	}
	var payload T
	if err := json.Unmarshal(mergedRaw, &payload); err != nil {
		return nil, false
	}
	// the payload type must be able to carry every merged field
	roundTrip, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	back, ok := decodeObject(roundTrip)
	if !ok || !equivalent(flatten(merged), flatten(back)) {
		return nil, false
	}
	d := Merged(payload)
	return &d, true
}

func decodeObject(raw []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, false
	}
	obj, ok := out.(map[string]any)
	return obj, ok
}

func flatten(obj map[string]any) map[string]any {
	out := map[string]any{}
	flattenInto(out, "", obj)
	return out
}

func flattenInto(out map[string]any, prefix string, obj map[string]any) {
	if len(obj) == 0 && prefix != "" {
		out[prefix] = map[string]any{}
		return
	}
	for key, value := range obj {
		path := prefix + "/" + escapeToken(key)
		if nested, ok := value.(map[string]any); ok {
			flattenInto(out, path, nested)
			continue
		}
		out[path] = value
	}
}

func changedPaths(base, side map[string]any) []string {
	var out []string
	for path, value := range side {
		if prev, ok := base[path]; !ok || !reflect.DeepEqual(prev, value) {
			out = append(out, path)
		}
	}
	for path := range base {
		if _, ok := side[path]; !ok {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

func isAncestor(parent, child string) bool {
	return strings.HasPrefix(child, parent+"/")
}

func equivalent(want, got map[string]any) bool {
	for path, value := range want {
		other, ok := got[path]
		if !ok {
			if isZero(value) {
				continue
			}
			return false
		}
		if !reflect.DeepEqual(value, other) {
			return false
		}
	}
	for path, value := range got {
		if _, ok := want[path]; !ok && !isZero(value) {
			return false
		}
	}
	return true
}

func isZero(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case bool:
		return !v
	case json.Number:
		f, err := v.Float64()
		return err == nil && f == 0
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

func setPath(root map[string]any, tokens []string, value any) bool {
	node := root
	for i, token := range tokens {
		if i == len(tokens)-1 {
			node[token] = value
			return true
		}
		next, exists := node[token]
		if !exists {
			child := map[string]any{}
			node[token] = child
			node = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return false
		}
		node = child
	}
	return false
}

func deletePath(root map[string]any, tokens []string) bool {
	node := root
	for i, token := range tokens {
		if i == len(tokens)-1 {
			delete(node, token)
			return true
		}
		child, ok := node[token].(map[string]any)
		if !ok {
			return true
		}
		node = child
	}
	return false
}

func splitPath(path string) []string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, part := range parts {
		parts[i] = unescapeToken(part)
	}
	return parts
}

func escapeToken(token string) string {
	return strings.ReplaceAll(strings.ReplaceAll(token, "~", "~0"), "/", "~1")
}

func unescapeToken(token string) string {
	return strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
}
