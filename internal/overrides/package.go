package overrides

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

// Source is one file discovered under a layer's files/ or systemd/
// directory, before metadata resolution.
type Source struct {
	SourcePath    string
	SourceRelpath string
	TargetRelpath string
	Kind          string // "file" or "systemd"
}

func gatherSources(layer Layer) ([]Source, error) {
	var sources []Source

	collect := func(root, sourcePrefix, targetPrefix, kind string) error {
		if _, err := os.Stat(root); os.IsNotExist(err) {
			return nil
		}

		var paths []string
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if d.Name() == ".gitkeep" {
				return nil
			}
			paths = append(paths, path)
			return nil
		})
		if err != nil {
			return raveerr.Wrap(raveerr.KindInternal, "walking "+root, err)
		}
		sort.Strings(paths)

		for _, path := range paths {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return raveerr.Wrap(raveerr.KindInternal, "computing relative path", err)
			}
			rel = filepath.ToSlash(rel)
			sourceRel := rel
			if sourcePrefix != "" {
				sourceRel = sourcePrefix + "/" + rel
			}
			targetRel := targetPrefix + rel

			sources = append(sources, Source{
				SourcePath:    path,
				SourceRelpath: sourceRel,
				TargetRelpath: targetRel,
				Kind:          kind,
			})
		}
		return nil
	}

	if err := collect(layer.FilesDir, "files", "", "file"); err != nil {
		return nil, err
	}
	if err := collect(layer.SystemdDir, "systemd", "etc/systemd/system/", "systemd"); err != nil {
		return nil, err
	}

	return sources, nil
}

// Entry is one file's final manifest record.
type Entry struct {
	TargetRelpath string   `json:"target_relpath"`
	Path          string   `json:"path"`
	SourceRelpath string   `json:"source_relpath"`
	Kind          string   `json:"kind"`
	Owner         string   `json:"owner"`
	Group         string   `json:"group"`
	FileMode      string   `json:"file_mode"`
	DirMode       string   `json:"dir_mode"`
	RestartUnits  []string `json:"restart_units"`
	ReloadUnits   []string `json:"reload_units"`
	Commands      []string `json:"commands"`
	DaemonReload  bool     `json:"daemon_reload"`
	Hash          string   `json:"hash"`
}

// Manifest describes a packaged layer's contents, written into the archive
// as ManifestFileName.
type Manifest struct {
	Version         int     `json:"version"`
	Layer           string  `json:"layer"`
	Priority        int     `json:"priority"`
	GeneratedAt     string  `json:"generated_at"`
	MetadataVersion int     `json:"metadata_version"`
	Entries         []Entry `json:"entries"`
}

// Package is a built override layer: its manifest plus the tar.gz archive
// bytes ready to stream to the guest.
type Package struct {
	Layer    Layer
	Manifest Manifest
	Archive  []byte
}

// BuildLayerPackage discovers a layer's files, resolves metadata for each,
// and produces a manifested tar.gz archive. now is injected so builds are
// reproducible in tests.
func (m *Manager) BuildLayerPackage(layerName string, now time.Time) (Package, error) {
	layer, err := m.GetLayer(layerName)
	if err != nil {
		return Package{}, err
	}

	sources, err := gatherSources(layer)
	if err != nil {
		return Package{}, err
	}

	seenTargets := make(map[string]struct{}, len(sources))
	entries := make([]Entry, 0, len(sources))

	for _, source := range sources {
		if _, dup := seenTargets[source.TargetRelpath]; dup {
			return Package{}, raveerr.New(raveerr.KindConflict, "duplicate target path '"+source.TargetRelpath+"' in layer '"+layer.Name+"'")
		}
		seenTargets[source.TargetRelpath] = struct{}{}

		entry, err := buildEntry(layer, source)
		if err != nil {
			return Package{}, err
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].TargetRelpath < entries[j].TargetRelpath })

	manifest := Manifest{
		Version:         ManifestVersion,
		Layer:           layer.Name,
		Priority:        layer.Priority,
		GeneratedAt:     now.UTC().Truncate(time.Second).Format(time.RFC3339),
		MetadataVersion: layer.Metadata.Version,
		Entries:         entries,
	}

	archive, err := buildArchive(sources, entries, manifest)
	if err != nil {
		return Package{}, err
	}

	return Package{Layer: layer, Manifest: manifest, Archive: archive}, nil
}

func buildEntry(layer Layer, source Source) (Entry, error) {
	resolved := layer.Metadata.Resolve(source.TargetRelpath, source.Kind)

	data, err := os.ReadFile(source.SourcePath)
	if err != nil {
		return Entry{}, raveerr.Wrap(raveerr.KindInternal, "reading override source file", err)
	}
	sum := sha256.Sum256(data)

	return Entry{
		TargetRelpath: source.TargetRelpath,
		Path:          "/" + source.TargetRelpath,
		SourceRelpath: source.SourceRelpath,
		Kind:          source.Kind,
		Owner:         resolved.Owner,
		Group:         resolved.Group,
		FileMode:      resolved.FileMode,
		DirMode:       resolved.DirMode,
		RestartUnits:  resolved.RestartUnits,
		ReloadUnits:   resolved.ReloadUnits,
		Commands:      resolved.Commands,
		DaemonReload:  resolved.DaemonReload,
		Hash:          "sha256:" + hex.EncodeToString(sum[:]),
	}, nil
}

func buildArchive(sources []Source, entries []Entry, manifest Manifest) ([]byte, error) {
	bySourceRel := make(map[string]string, len(sources))
	for _, s := range sources {
		bySourceRel[s.SourceRelpath] = s.SourcePath
	}

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, raveerr.Wrap(raveerr.KindInternal, "creating gzip writer", err)
	}
	tw := tar.NewWriter(gz)

	for _, entry := range entries {
		sourcePath, ok := bySourceRel[entry.SourceRelpath]
		if !ok {
			sourcePath = resolveSourcePath(entry.SourceRelpath)
		}
		data, err := os.ReadFile(sourcePath)
		if err != nil {
			return nil, raveerr.Wrap(raveerr.KindInternal, "reading override source file", err)
		}

		hdr := &tar.Header{
			Name: entry.SourceRelpath,
			Mode: 0o644,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, raveerr.Wrap(raveerr.KindInternal, "writing tar header", err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, raveerr.Wrap(raveerr.KindInternal, "writing tar entry", err)
		}
	}

	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, raveerr.Wrap(raveerr.KindInternal, "marshaling manifest", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name: ManifestFileName,
		Mode: 0o644,
		Size: int64(len(manifestBytes)),
	}); err != nil {
		return nil, raveerr.Wrap(raveerr.KindInternal, "writing manifest tar header", err)
	}
	if _, err := tw.Write(manifestBytes); err != nil {
		return nil, raveerr.Wrap(raveerr.KindInternal, "writing manifest tar entry", err)
	}

	if err := tw.Close(); err != nil {
		return nil, raveerr.Wrap(raveerr.KindInternal, "closing tar writer", err)
	}
	if err := gz.Close(); err != nil {
		return nil, raveerr.Wrap(raveerr.KindInternal, "closing gzip writer", err)
	}

	return buf.Bytes(), nil
}

// resolveSourcePath is a fallback used only if a manifest entry somehow
// references a source path not present in the gathered set (shouldn't
// happen in normal operation, but keeps archive building total).
func resolveSourcePath(sourceRelpath string) string {
	return strings.TrimPrefix(sourceRelpath, "/")
}
