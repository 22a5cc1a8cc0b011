package vmmanager

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var unsafeLayerChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// guestApplyScript is the guest-side override layer apply protocol: it
// diffs a staged manifest against the layer's previous applied state,
// copies or removes files with resolved owner/group/mode, and runs
// daemon-reload/reload/restart/commands, finally printing a JSON summary
// line. It reads the tar.gz payload from the staging directory that the
// surrounding shell script extracts stdin into.
const guestApplyScript = `
import json
import os
import pwd
import grp
import shutil
import subprocess
import sys
import time
from pathlib import Path

staging_root = Path(sys.argv[1])
state_dir = Path(sys.argv[2])
layer_name = sys.argv[3]
apply_files = sys.argv[4] == "1"
apply_restarts = sys.argv[5] == "1"

manifest_path = staging_root / ".rave-manifest.json"
if not manifest_path.exists():
    raise SystemExit("override manifest missing from payload")

with manifest_path.open() as handle:
    manifest = json.load(handle)

entries = manifest.get("entries", [])
state_dir.mkdir(parents=True, exist_ok=True)
state_path = state_dir / f"{layer_name}.json"

prev_data = {}
if state_path.exists():
    try:
        with state_path.open() as handle:
            prev_data = json.load(handle)
    except json.JSONDecodeError:
        prev_data = {}

prev_entries = prev_data.get("entries", [])
prev_index = {
    entry.get("path"): entry for entry in prev_entries if entry.get("path")
}

changed_paths = []
removed_paths = []
new_index = {}
restart_units = []
reload_units = []
commands = []
requires_daemon_reload = False
copy_jobs = []
removal_jobs = []


def _resolve_uid(name):
    try:
        return pwd.getpwnam(name).pw_uid
    except KeyError:
        return 0


def _resolve_gid(name):
    try:
        return grp.getgrnam(name).gr_gid
    except KeyError:
        return 0


def _merge_unique(target, values):
    for value in values or []:
        if value not in target:
            target.append(value)


for entry in entries:
    target_path = Path(entry["path"])
    source_rel = entry["source_relpath"]
    source_path = staging_root / source_rel
    if not source_path.exists():
        raise SystemExit(f"override payload missing {source_rel}")

    owner = entry.get("owner", "root")
    group = entry.get("group", owner)
    file_mode = int(str(entry.get("file_mode", "0644")), 8)
    dir_mode = int(str(entry.get("dir_mode", "0755")), 8)
    uid = _resolve_uid(owner)
    gid = _resolve_gid(group)

    copy_jobs.append(
        {
            "target": target_path,
            "source": source_path,
            "uid": uid,
            "gid": gid,
            "file_mode": file_mode,
            "dir_mode": dir_mode,
        }
    )

    prev_hash = prev_index.get(entry["path"], {}).get("hash")
    if prev_hash != entry.get("hash"):
        changed_paths.append(entry["path"])

    new_index[entry["path"]] = entry
    if entry.get("daemon_reload"):
        requires_daemon_reload = True
    _merge_unique(restart_units, entry.get("restart_units"))
    _merge_unique(reload_units, entry.get("reload_units"))
    _merge_unique(commands, entry.get("commands"))


for path, entry in prev_index.items():
    if path in new_index:
        continue
    removal_jobs.append(path)
    removed_paths.append(path)
    if entry.get("daemon_reload"):
        requires_daemon_reload = True
    _merge_unique(restart_units, entry.get("restart_units"))
    _merge_unique(reload_units, entry.get("reload_units"))
    _merge_unique(commands, entry.get("commands"))


def _ensure_parent(directory, mode, uid, gid):
    missing = []
    current = directory
    while not current.exists():
        missing.append(current)
        parent = current.parent
        if parent == current:
            break
        current = parent
    for path in reversed(missing):
        path.mkdir()
        try:
            os.chmod(path, mode)
        except PermissionError:
            pass
        try:
            os.chown(path, uid, gid)
        except PermissionError:
            pass


if apply_files:
    for job in copy_jobs:
        target_path = Path(job["target"])
        source_path = Path(job["source"])
        _ensure_parent(target_path.parent, job["dir_mode"], job["uid"], job["gid"])
        shutil.copy2(source_path, target_path)
        try:
            os.chmod(target_path, job["file_mode"])
        except PermissionError:
            pass
        try:
            os.chown(target_path, job["uid"], job["gid"])
        except PermissionError:
            pass

    for path in removal_jobs:
        if os.path.islink(path) or os.path.isfile(path):
            os.remove(path)

    manifest["applied_at"] = time.time()
    state_tmp = state_path.with_suffix(".tmp")
    next_entries = sorted(new_index.values(), key=lambda item: item.get("target_relpath", ""))
    state_payload = dict(manifest)
    state_payload["entries"] = next_entries
    with state_tmp.open("w") as handle:
        json.dump(state_payload, handle, indent=2)
    os.replace(state_tmp, state_path)


def _run_systemctl(args):
    subprocess.run(["systemctl", *args], check=True)


daemon_reloaded = False
if apply_files and requires_daemon_reload:
    _run_systemctl(["daemon-reload"])
    daemon_reloaded = True

if apply_restarts:
    for unit in reload_units:
        _run_systemctl(["reload", unit])
    for unit in restart_units:
        _run_systemctl(["restart", unit])
    for command in commands:
        subprocess.run(command, check=True, shell=True, executable="/bin/sh")


summary = {
    "layer": layer_name,
    "changed": sorted(set(changed_paths)),
    "removed": sorted(set(removed_paths)),
    "restart_units": restart_units,
    "reload_units": reload_units,
    "commands": commands,
    "daemon_reload": requires_daemon_reload,
    "daemon_reloaded": daemon_reloaded,
    "restarts_applied": apply_restarts,
    "preview": not apply_files,
}
print(json.dumps(summary))
`

// buildApplyScript wraps guestApplyScript in the shell plumbing that
// extracts the streamed tar.gz payload into a per-attempt staging
// directory and invokes python3 with the staging root, state directory,
// layer name and flag arguments.
func buildApplyScript(layerName string, opts ApplyOverrideLayerOptions) string {
	safeLayer := unsafeLayerChars.ReplaceAllString(layerName, "_")
	applyFiles := "1"
	applyRestarts := "0"
	if opts.PreviewOnly {
		applyFiles = "0"
	}
	if opts.ApplyRestarts && !opts.PreviewOnly {
		applyRestarts = "1"
	}

	var b strings.Builder
	b.WriteString("set -euo pipefail\n")
	fmt.Fprintf(&b, "LAYER_NAME=%s\n", shellSingleQuote(layerName))
	fmt.Fprintf(&b, "APPLY_FILES=%s\n", applyFiles)
	fmt.Fprintf(&b, "APPLY_RESTARTS=%s\n", applyRestarts)
	b.WriteString("BASE=/var/lib/rave/overrides\n")
	b.WriteString("mkdir -p \"$BASE/state\" \"$BASE/staging\"\n")
	fmt.Fprintf(&b, "STAGING=$(mktemp -d \"$BASE/staging/%s-XXXXXX\")\n", safeLayer)
	b.WriteString("cleanup() { rm -rf \"$STAGING\"; }\n")
	b.WriteString("trap cleanup EXIT\n")
	b.WriteString("tar -xz -f - -C \"$STAGING\"\n")
	b.WriteString(`python3 - <<'PY' "$STAGING" "$BASE/state" "$LAYER_NAME" "$APPLY_FILES" "$APPLY_RESTARTS"` + "\n")
	b.WriteString(guestApplyScript)
	b.WriteString("PY\n")
	return b.String()
}

// parseApplySummary scans stdout from the last line backwards for the
// first line that decodes as a JSON summary object, matching the guest
// script's trailing print(json.dumps(summary)).
func parseApplySummary(stdout string) (ApplySummary, bool) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var summary ApplySummary
		if err := json.Unmarshal([]byte(line), &summary); err == nil {
			return summary, true
		}
	}
	return ApplySummary{}, false
}
