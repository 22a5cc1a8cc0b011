// Package overrides implements the override layer engine: discovering
// layers under a repo's overrides root, resolving per-file ownership and
// service-restart metadata by glob pattern, and packaging a layer into a
// deterministic, manifested tar.gz for delivery to a tenant guest.
package overrides

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

// DefaultLayerPriority is used when a layer's layer.json omits a priority.
const DefaultLayerPriority = 100

// ManifestVersion is written into every built package's manifest.
const ManifestVersion = 1

// ManifestFileName is the well-known name the guest-side apply script looks
// for inside the archive.
const ManifestFileName = ".rave-manifest.json"

// Defaults holds a layer's fallback ownership/restart metadata.
type Defaults struct {
	Owner        string   `json:"owner"`
	Group        string   `json:"group"`
	FileMode     string   `json:"file_mode"`
	DirMode      string   `json:"dir_mode"`
	RestartUnits []string `json:"restart_units"`
	ReloadUnits  []string `json:"reload_units"`
	Commands     []string `json:"commands"`
	DaemonReload bool     `json:"daemon_reload"`
}

func defaultDefaults() Defaults {
	return Defaults{
		Owner:        "root",
		Group:        "root",
		FileMode:     "0644",
		DirMode:      "0755",
		RestartUnits: []string{},
		ReloadUnits:  []string{},
		Commands:     []string{},
		DaemonReload: false,
	}
}

// Pattern is a single glob-matched metadata override.
type Pattern struct {
	Match        string   `json:"match,omitempty"`
	Path         string   `json:"path,omitempty"`
	Scope        []string `json:"scope,omitempty"`
	Owner        string   `json:"owner,omitempty"`
	Group        string   `json:"group,omitempty"`
	FileMode     string   `json:"file_mode,omitempty"`
	DirMode      string   `json:"dir_mode,omitempty"`
	RestartUnits []string `json:"restart_units,omitempty"`
	ReloadUnits  []string `json:"reload_units,omitempty"`
	Commands     []string `json:"commands,omitempty"`
	DaemonReload *bool    `json:"daemon_reload,omitempty"`
}

// Metadata is the parsed contents of a layer's metadata.json.
type Metadata struct {
	Version  int       `json:"version"`
	Defaults Defaults  `json:"defaults"`
	Patterns []Pattern `json:"patterns"`
}

// DefaultMetadata returns the metadata every new layer starts from: base
// ownership of root:root, and systemd-unit/traefik/nginx restart patterns.
func DefaultMetadata() Metadata {
	return Metadata{
		Version:  1,
		Defaults: defaultDefaults(),
		Patterns: []Pattern{
			{Match: "etc/systemd/system/**/*.service", Scope: []string{"systemd"}, DaemonReload: boolPtr(true)},
			{Match: "etc/systemd/system/**/*.timer", Scope: []string{"systemd"}, DaemonReload: boolPtr(true)},
			{Match: "etc/systemd/system/**/*.path", Scope: []string{"systemd"}, DaemonReload: boolPtr(true)},
			{Match: "etc/traefik/**", Scope: []string{"file"}, ReloadUnits: []string{"traefik.service"}},
			{Match: "etc/rave/overrides/traefik/**/*.yaml", Scope: []string{"file"}, ReloadUnits: []string{"traefik.service"}},
			{Match: "etc/nginx/**", Scope: []string{"file"}, ReloadUnits: []string{"traefik.service"}},
			{Match: "etc/rave/overrides/nginx/**/*.conf", Scope: []string{"file"}, ReloadUnits: []string{"traefik.service"}},
		},
	}
}

func boolPtr(b bool) *bool { return &b }

// traefikPreset is shared by the "traefik" and "nginx" presets.
var traefikPreset = []Pattern{
	{Match: "etc/traefik/**", Scope: []string{"file"}, ReloadUnits: []string{"traefik.service"}},
	{Match: "etc/rave/overrides/traefik/**/*.yaml", Scope: []string{"file"}, ReloadUnits: []string{"traefik.service"}},
	{Match: "etc/nginx/**", Scope: []string{"file"}, ReloadUnits: []string{"traefik.service"}},
	{Match: "etc/rave/overrides/nginx/**/*.conf", Scope: []string{"file"}, ReloadUnits: []string{"traefik.service"}},
}

// MetadataPresets seed a new layer's metadata.json with ready-made restart
// patterns for well-known appliance services.
var MetadataPresets = map[string][]Pattern{
	"traefik": traefikPreset,
	"nginx":   traefikPreset,
	"gitlab": {
		{Match: "etc/gitlab/**", Scope: []string{"file"}, RestartUnits: []string{"gitlab.target"}},
		{Match: "var/opt/gitlab/**", Scope: []string{"file"}, RestartUnits: []string{"gitlab.target"}},
	},
	"mattermost": {
		{Match: "etc/mattermost/**", Scope: []string{"file"}, RestartUnits: []string{"mattermost.service"}},
		{Match: "var/lib/mattermost/**", Scope: []string{"file"}, RestartUnits: []string{"mattermost.service"}},
	},
	"pomerium": {
		{Match: "etc/pomerium/**", Scope: []string{"file"}, RestartUnits: []string{"pomerium.service"}},
	},
	"authentik": {
		{Match: "etc/authentik/**", Scope: []string{"file"}, RestartUnits: []string{"authentik-server.service", "authentik-worker.service"}},
		{Match: "etc/systemd/system/authentik-*.service", Scope: []string{"systemd"}, DaemonReload: boolPtr(true), RestartUnits: []string{"authentik-server.service", "authentik-worker.service"}},
	},
}

// LoadMetadata reads metadata.json at path. If the file does not exist it
// returns metadata holding only the base defaults (root:root, 0644/0755),
// with version 0 and no patterns.
func LoadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Metadata{Defaults: defaultDefaults()}, nil
	}
	if err != nil {
		return Metadata{}, raveerr.Wrap(raveerr.KindInternal, "reading metadata.json", err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, raveerr.Wrap(raveerr.KindValidation, "invalid metadata.json at "+path, err)
	}
	if m.Version == 0 {
		m.Version = 1
	}

	base := defaultDefaults()
	if m.Defaults.Owner == "" {
		m.Defaults.Owner = base.Owner
	}
	if m.Defaults.Group == "" {
		m.Defaults.Group = base.Group
	}
	if m.Defaults.FileMode == "" {
		m.Defaults.FileMode = base.FileMode
	}
	if m.Defaults.DirMode == "" {
		m.Defaults.DirMode = base.DirMode
	}
	if m.Defaults.RestartUnits == nil {
		m.Defaults.RestartUnits = []string{}
	}
	if m.Defaults.ReloadUnits == nil {
		m.Defaults.ReloadUnits = []string{}
	}
	if m.Defaults.Commands == nil {
		m.Defaults.Commands = []string{}
	}

	return m, nil
}

// ResolvedEntry is the final, pattern-merged metadata for one file.
type ResolvedEntry struct {
	Owner        string
	Group        string
	FileMode     string
	DirMode      string
	RestartUnits []string
	ReloadUnits  []string
	Commands     []string
	DaemonReload bool
}

// Resolve merges every pattern matching targetRelpath (scoped to kind) onto
// the layer's defaults. Later-matching scalar fields win outright, except
// daemon_reload, which ORs across every match so one pattern setting it true
// can't be silently cancelled by a later, more specific pattern that leaves
// it false. List fields (restart_units, reload_units, commands) append with
// first-occurrence-wins de-duplication, preserving match order.
func (m Metadata) Resolve(targetRelpath, kind string) ResolvedEntry {
	result := ResolvedEntry{
		Owner:        m.Defaults.Owner,
		Group:        m.Defaults.Group,
		FileMode:     m.Defaults.FileMode,
		DirMode:      m.Defaults.DirMode,
		RestartUnits: append([]string{}, m.Defaults.RestartUnits...),
		ReloadUnits:  append([]string{}, m.Defaults.ReloadUnits...),
		Commands:     append([]string{}, m.Defaults.Commands...),
		DaemonReload: m.Defaults.DaemonReload,
	}

	for _, pattern := range m.Patterns {
		if len(pattern.Scope) > 0 && !contains(pattern.Scope, kind) {
			continue
		}

		matches := false
		if pattern.Path != "" && pattern.Path == targetRelpath {
			matches = true
		} else if pattern.Match != "" {
			if ok, _ := filepath.Match(pattern.Match, targetRelpath); ok {
				matches = true
			} else if matchDoubleStar(pattern.Match, targetRelpath) {
				matches = true
			}
		}
		if !matches {
			continue
		}

		if pattern.Owner != "" {
			result.Owner = pattern.Owner
		}
		if pattern.Group != "" {
			result.Group = pattern.Group
		}
		if pattern.FileMode != "" {
			result.FileMode = pattern.FileMode
		}
		if pattern.DirMode != "" {
			result.DirMode = pattern.DirMode
		}
		if pattern.DaemonReload != nil {
			result.DaemonReload = result.DaemonReload || *pattern.DaemonReload
		}

		result.RestartUnits = appendDedup(result.RestartUnits, pattern.RestartUnits)
		result.ReloadUnits = appendDedup(result.ReloadUnits, pattern.ReloadUnits)
		result.Commands = appendDedup(result.Commands, pattern.Commands)
	}

	return result
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func appendDedup(base, extra []string) []string {
	if len(extra) == 0 {
		return base
	}
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, v := range base {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, v := range extra {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// matchDoubleStar supports glob-style "**" segments that path/filepath's
// Match does not, the way fnmatch.fnmatch does for the "etc/foo/**/*.ext"
// patterns used throughout the default metadata.
func matchDoubleStar(pattern, name string) bool {
	return globMatch(pattern, name)
}

// globMatch is a small shell-glob matcher supporting '*', '**' (matches any
// number of path segments including none) and '?'.
func globMatch(pattern, name string) bool {
	return matchSegments(splitGlob(pattern), name)
}

func splitGlob(pattern string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '/' {
			segs = append(segs, pattern[start:i])
			start = i + 1
		}
	}
	segs = append(segs, pattern[start:])
	return segs
}

// matchSegments matches a "/"-split glob pattern against a "/"-split
// candidate one segment at a time. "**" matches zero or more whole
// segments.
func matchSegments(segs []string, name string) bool {
	if len(segs) == 0 {
		return name == ""
	}
	head := segs[0]
	rest := segs[1:]

	if head == "**" {
		// Zero segments consumed by "**".
		if matchSegments(rest, name) {
			return true
		}
		if name == "" {
			return false
		}
		// Consume one segment and keep "**" in play for the remainder.
		firstSeg, tail, hasMore := cutSegment(name)
		_ = firstSeg
		if !hasMore {
			return matchSegments(segs, "")
		}
		return matchSegments(segs, tail)
	}

	firstSeg, tail, hasMore := cutSegment(name)
	if !hasMore && len(rest) > 0 {
		return false
	}

	ok, err := filepath.Match(head, firstSeg)
	if err != nil || !ok {
		return false
	}
	return matchSegments(rest, tail)
}

// cutSegment splits name at the first "/", returning the segment before it,
// the remainder after it, and whether a "/" was found.
func cutSegment(name string) (segment, rest string, found bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return name[:i], name[i+1:], true
		}
	}
	return name, "", false
}
