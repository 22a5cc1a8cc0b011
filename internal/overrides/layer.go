package overrides

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

var layerNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Layer is a discovered override layer on disk.
type Layer struct {
	Name        string
	Root        string
	Priority    int
	Description string
	FilesDir    string
	SystemdDir  string
	Metadata    Metadata
}

type layerConfig struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	FilesDir    string `json:"files_dir"`
	SystemdDir  string `json:"systemd_dir"`
	Metadata    string `json:"metadata"`
}

// Manager discovers and packages override layers rooted under
// <repoRoot>/config/overrides.
type Manager struct {
	RepoRoot      string
	OverridesRoot string
}

// NewManager builds a Manager for the override layers under repoRoot.
func NewManager(repoRoot string) *Manager {
	return &Manager{
		RepoRoot:      repoRoot,
		OverridesRoot: filepath.Join(repoRoot, "config", "overrides"),
	}
}

func normalizeLayerName(name string) (string, error) {
	slug := strings.ReplaceAll(strings.TrimSpace(name), " ", "-")
	if slug == "" {
		return "", raveerr.New(raveerr.KindValidation, "layer name cannot be empty")
	}
	if !layerNamePattern.MatchString(slug) {
		return "", raveerr.New(raveerr.KindValidation, "layer names must be alphanumeric and may include . _ - characters")
	}
	return slug, nil
}

func writeLayerConfig(layerDir, name, description string, priority int) error {
	cfg := layerConfig{
		Name:        name,
		Description: description,
		Priority:    priority,
		FilesDir:    "files",
		SystemdDir:  "systemd",
		Metadata:    "metadata.json",
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return raveerr.Wrap(raveerr.KindInternal, "marshaling layer.json", err)
	}
	return os.WriteFile(filepath.Join(layerDir, "layer.json"), data, 0o644)
}

func writeMetadata(path string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return raveerr.Wrap(raveerr.KindInternal, "marshaling metadata.json", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (m *Manager) scaffoldLayer(name, description string, priority int, metadata Metadata) (string, error) {
	layerDir := filepath.Join(m.OverridesRoot, name)
	filesDir := filepath.Join(layerDir, "files")
	systemdDir := filepath.Join(layerDir, "systemd")

	for _, dir := range []string{layerDir, filesDir, systemdDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", raveerr.Wrap(raveerr.KindInternal, "creating layer directory", err)
		}
	}
	for _, dir := range []string{filesDir, systemdDir} {
		if err := os.WriteFile(filepath.Join(dir, ".gitkeep"), nil, 0o644); err != nil {
			return "", raveerr.Wrap(raveerr.KindInternal, "writing .gitkeep", err)
		}
	}

	if err := writeLayerConfig(layerDir, name, description, priority); err != nil {
		return "", err
	}
	if err := writeMetadata(filepath.Join(layerDir, "metadata.json"), metadata); err != nil {
		return "", err
	}
	return layerDir, nil
}

// EnsureInitialized guarantees the overrides root and a "global" layer
// exist, without clobbering any user content already present. It reports
// whether anything was created.
func (m *Manager) EnsureInitialized() (created bool, path string, err error) {
	globalLayer := filepath.Join(m.OverridesRoot, "global")

	if err := os.MkdirAll(m.OverridesRoot, 0o755); err != nil {
		return false, "", raveerr.Wrap(raveerr.KindInternal, "creating overrides root", err)
	}

	if _, statErr := os.Stat(globalLayer); os.IsNotExist(statErr) {
		if _, err := m.scaffoldLayer("global", "Global overrides applied to every RAVE-managed host.", DefaultLayerPriority, DefaultMetadata()); err != nil {
			return false, "", err
		}
		return true, globalLayer, nil
	}

	if err := os.MkdirAll(filepath.Join(globalLayer, "files"), 0o755); err != nil {
		return false, "", raveerr.Wrap(raveerr.KindInternal, "creating global/files", err)
	}
	if err := os.MkdirAll(filepath.Join(globalLayer, "systemd"), 0o755); err != nil {
		return false, "", raveerr.Wrap(raveerr.KindInternal, "creating global/systemd", err)
	}

	layerConfigPath := filepath.Join(globalLayer, "layer.json")
	if _, statErr := os.Stat(layerConfigPath); os.IsNotExist(statErr) {
		if err := writeLayerConfig(globalLayer, "global", "Global overrides applied to every RAVE-managed host.", DefaultLayerPriority); err != nil {
			return false, "", err
		}
		created = true
	}

	metadataPath := filepath.Join(globalLayer, "metadata.json")
	if _, statErr := os.Stat(metadataPath); os.IsNotExist(statErr) {
		if err := writeMetadata(metadataPath, DefaultMetadata()); err != nil {
			return false, "", err
		}
		created = true
	}

	return created, globalLayer, nil
}

// CreateOptions configures CreateLayer.
type CreateOptions struct {
	Priority    int
	Description string
	CopyFrom    string
	Presets     []string
}

// CreateLayer scaffolds a new override layer, optionally seeded from an
// existing layer's metadata and/or one or more named presets.
func (m *Manager) CreateLayer(name string, opts CreateOptions) (string, error) {
	if _, _, err := m.EnsureInitialized(); err != nil {
		return "", err
	}

	normalized, err := normalizeLayerName(name)
	if err != nil {
		return "", err
	}

	layerDir := filepath.Join(m.OverridesRoot, normalized)
	if _, err := os.Stat(layerDir); err == nil {
		return "", raveerr.New(raveerr.KindConflict, "override layer '"+normalized+"' already exists")
	}

	metadata := DefaultMetadata()
	if opts.CopyFrom != "" {
		source, err := m.GetLayer(opts.CopyFrom)
		if err != nil {
			return "", err
		}
		metadata = source.Metadata
	}

	for _, preset := range opts.Presets {
		patterns, ok := MetadataPresets[preset]
		if !ok {
			return "", raveerr.New(raveerr.KindValidation, "unknown metadata preset '"+preset+"'")
		}
		metadata.Patterns = append(metadata.Patterns, patterns...)
	}

	priority := opts.Priority
	if priority == 0 {
		priority = DefaultLayerPriority
	}
	description := opts.Description
	if description == "" {
		description = "Custom override layer '" + normalized + "'"
	}

	return m.scaffoldLayer(normalized, description, priority, metadata)
}

// ListLayers discovers every configured layer, sorted by ascending
// priority (lower applies first).
func (m *Manager) ListLayers() ([]Layer, error) {
	var layers []Layer

	entries, err := os.ReadDir(m.OverridesRoot)
	if os.IsNotExist(err) {
		return layers, nil
	}
	if err != nil {
		return nil, raveerr.Wrap(raveerr.KindInternal, "reading overrides root", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, childName := range names {
		child := filepath.Join(m.OverridesRoot, childName)
		configPath := filepath.Join(child, "layer.json")
		data, err := os.ReadFile(configPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, raveerr.Wrap(raveerr.KindInternal, "reading layer.json", err)
		}

		var cfg layerConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, raveerr.Wrap(raveerr.KindValidation, "invalid layer.json at "+configPath, err)
		}

		name := cfg.Name
		if name == "" {
			name = childName
		}
		priority := cfg.Priority
		if priority == 0 {
			priority = DefaultLayerPriority
		}
		filesDirName := cfg.FilesDir
		if filesDirName == "" {
			filesDirName = "files"
		}
		systemdDirName := cfg.SystemdDir
		if systemdDirName == "" {
			systemdDirName = "systemd"
		}
		metadataName := cfg.Metadata
		if metadataName == "" {
			metadataName = "metadata.json"
		}

		metadata, err := LoadMetadata(filepath.Join(child, metadataName))
		if err != nil {
			return nil, err
		}

		filesDir := filepath.Join(child, filesDirName)
		systemdDir := filepath.Join(child, systemdDirName)
		if err := os.MkdirAll(filesDir, 0o755); err != nil {
			return nil, raveerr.Wrap(raveerr.KindInternal, "creating layer files dir", err)
		}
		if err := os.MkdirAll(systemdDir, 0o755); err != nil {
			return nil, raveerr.Wrap(raveerr.KindInternal, "creating layer systemd dir", err)
		}

		layers = append(layers, Layer{
			Name:        name,
			Root:        child,
			Priority:    priority,
			Description: cfg.Description,
			FilesDir:    filesDir,
			SystemdDir:  systemdDir,
			Metadata:    metadata,
		})
	}

	sort.SliceStable(layers, func(i, j int) bool { return layers[i].Priority < layers[j].Priority })
	return layers, nil
}

// GetLayer finds a single layer by name.
func (m *Manager) GetLayer(name string) (Layer, error) {
	layers, err := m.ListLayers()
	if err != nil {
		return Layer{}, err
	}
	for _, l := range layers {
		if l.Name == name {
			return l, nil
		}
	}
	return Layer{}, raveerr.New(raveerr.KindNotFound, "override layer '"+name+"' not found")
}

// LayerStat is a one-row summary of a discovered layer.
type LayerStat struct {
	Name        string `json:"name"`
	Priority    int    `json:"priority"`
	Description string `json:"description"`
	Path        string `json:"path"`
	FileCount   int    `json:"file_count"`
}

// LayerStats reports a summary row per discovered layer.
func (m *Manager) LayerStats() ([]LayerStat, error) {
	layers, err := m.ListLayers()
	if err != nil {
		return nil, err
	}

	stats := make([]LayerStat, 0, len(layers))
	for _, layer := range layers {
		sources, err := gatherSources(layer)
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(m.RepoRoot, layer.Root)
		if err != nil {
			rel = layer.Root
		}
		stats = append(stats, LayerStat{
			Name:        layer.Name,
			Priority:    layer.Priority,
			Description: layer.Description,
			Path:        rel,
			FileCount:   len(sources),
		})
	}
	return stats, nil
}
