package registry

import (
	"sort"
	"strings"

	"servidor/internal/method"
)

// MetadataRow is one row of the external metadata snapshot.
type MetadataRow struct {
	Method     string
	Automation string
	Area       string
	Status     string
	Recurrence string
	Weekdays   string
	Fields     map[string]string
}

// Executable is one file found under the methods root.
type Executable struct {
	// Category is the directory the file was found in.
	Category string
	Path     string
}

// Mapping is the resolved registry: canonical key -> method.
type Mapping map[string]method.Info

// Resolve joins metadata rows with executables by normalized key.
//
//   - A key present in metadata and on disk takes its category from the row's
//     automation name (falling back to the executable's directory), or
//     ISOLATED when the row is isolated.
//   - Executables without metadata land in UNASSIGNED.
//   - Duplicate metadata keys: the last row wins.
//   - Metadata without an executable is dropped; nothing could run it.
func Resolve(rows []MetadataRow, exes []Executable) Mapping {
	meta := make(map[string]MetadataRow, len(rows))
	for _, r := range rows {
		k := method.Normalize(r.Method)
		if k == "" {
			continue
		}
		meta[k] = r
	}

	out := make(Mapping, len(exes))
	for _, exe := range exes {
		base := baseName(exe.Path)
		key := method.Normalize(base)
		if key == "" {
			continue
		}

		info := method.Info{
			Key:      key,
			Name:     method.StripExtension(base),
			Category: method.CategoryUnassigned,
			Path:     exe.Path,
			Status:   method.Active,
		}

		if row, ok := meta[key]; ok {
			info.HasMetadata = true
			if n := strings.TrimSpace(row.Method); n != "" {
				info.Name = method.StripExtension(n)
			}
			info.Area = strings.TrimSpace(row.Area)
			info.RawStatus = strings.TrimSpace(row.Status)
			info.Status = method.ParseActivation(row.Status)
			info.Recurrence = strings.TrimSpace(row.Recurrence)
			info.Weekdays = strings.TrimSpace(row.Weekdays)
			info.Fields = copyFields(row.Fields)

			switch {
			case info.Status == method.Isolated:
				info.Category = method.CategoryIsolated
			case strings.TrimSpace(row.Automation) != "":
				info.Category = strings.TrimSpace(row.Automation)
			case strings.TrimSpace(exe.Category) != "":
				info.Category = strings.TrimSpace(exe.Category)
			}
		}

		// Two executables colliding on one key: keep the first path seen so the
		// result does not depend on later directory entries.
		if prev, dup := out[key]; dup && prev.Path != "" {
			continue
		}
		out[key] = info
	}
	return out
}

func baseName(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func copyFields(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Keys returns the mapping's keys sorted ascending.
func (m Mapping) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Categories groups keys by category; keys within a group are sorted.
func (m Mapping) Categories() map[string][]string {
	out := map[string][]string{}
	for _, k := range m.Keys() {
		c := m[k].Category
		out[c] = append(out[c], k)
	}
	return out
}
