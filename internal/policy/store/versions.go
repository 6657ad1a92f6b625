package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pipewright/pipewright/internal/apperrors"
	"github.com/pipewright/pipewright/internal/policy"
	"github.com/pipewright/pipewright/internal/storage"
)

// archiveTimeFormat is a filename-safe UTC timestamp.
const archiveTimeFormat = "20060102T150405Z"

// VersionInfo describes one retained version of a policy.
type VersionInfo struct {
	Version    string    `json:"version"`
	Current    bool      `json:"current"`
	ArchivedAt time.Time `json:"archived_at,omitempty"`
	File       string    `json:"file,omitempty"`
}

// semver is a parsed three-part version. Unparseable versions collapse to
// 0.0.0 so they sort before everything real instead of failing.
type semver struct {
	major, minor, patch int
}

func parseSemver(s string) semver {
	parts := strings.SplitN(strings.TrimPrefix(s, "v"), ".", 3)
	if len(parts) != 3 {
		return semver{}
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	patch, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || major < 0 || minor < 0 || patch < 0 {
		return semver{}
	}
	return semver{major, minor, patch}
}

func (v semver) less(o semver) bool {
	if v.major != o.major {
		return v.major < o.major
	}
	if v.minor != o.minor {
		return v.minor < o.minor
	}
	return v.patch < o.patch
}

func (v semver) String() string {
	return fmt.Sprintf("%d.%d.%d", v.major, v.minor, v.patch)
}

// bumpPatch increments the patch component of a version string.
func bumpPatch(version string) string {
	v := parseSemver(version)
	v.patch++
	return v.String()
}

// archivePolicy writes the current on-disk form of a policy into the archive
// before it is mutated or deleted. Archive entries are never rewritten.
func (s *Store) archivePolicy(p *policy.Policy) (string, error) {
	data, err := policy.MarshalPolicy(p)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_v%s_%s.yaml", p.ID, p.Version, time.Now().UTC().Format(archiveTimeFormat))
	path := filepath.Join(s.archiveDir, p.ID, name)
	if err := storage.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", apperrors.Runtime("policy_archive_failed", "unable to archive policy version").
			WithCause(err).WithDetail("policy_id", p.ID).WithDetail("version", p.Version)
	}
	return path, nil
}

// Versions lists the retained versions of a policy, oldest first, with the
// live version appended last and marked current.
func (s *Store) Versions(id string) ([]VersionInfo, error) {
	current, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	versions, err := s.archivedVersions(id)
	if err != nil {
		return nil, err
	}
	versions = append(versions, VersionInfo{Version: current.Version, Current: true})
	return versions, nil
}

func (s *Store) archivedVersions(id string) ([]VersionInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.archiveDir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Runtime("archive_list_failed", "unable to list policy archive").
			WithCause(err).WithDetail("policy_id", id)
	}

	var versions []VersionInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		version, archivedAt, ok := parseArchiveName(id, entry.Name())
		if !ok {
			continue
		}
		versions = append(versions, VersionInfo{
			Version:    version,
			ArchivedAt: archivedAt,
			File:       filepath.Join(s.archiveDir, id, entry.Name()),
		})
	}

	sort.SliceStable(versions, func(i, j int) bool {
		vi, vj := parseSemver(versions[i].Version), parseSemver(versions[j].Version)
		if vi != vj {
			return vi.less(vj)
		}
		return versions[i].ArchivedAt.Before(versions[j].ArchivedAt)
	})
	return versions, nil
}

// parseArchiveName recovers the version and timestamp from an archive file
// name of the form <id>_v<version>_<timestamp>.yaml.
func parseArchiveName(id, name string) (string, time.Time, bool) {
	base := strings.TrimSuffix(name, ".yaml")
	prefix := id + "_v"
	if !strings.HasPrefix(base, prefix) {
		return "", time.Time{}, false
	}
	rest := base[len(prefix):]
	sep := strings.LastIndex(rest, "_")
	if sep <= 0 {
		return "", time.Time{}, false
	}
	ts, err := time.Parse(archiveTimeFormat, rest[sep+1:])
	if err != nil {
		return "", time.Time{}, false
	}
	return rest[:sep], ts, true
}

// GetVersion fetches a specific version of a policy, either the live one or
// the newest archive entry carrying that version.
func (s *Store) GetVersion(id, version string) (*policy.Policy, error) {
	current, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if current.Version == version {
		return current, nil
	}

	versions, err := s.archivedVersions(id)
	if err != nil {
		return nil, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Version != version {
			continue
		}
		data, err := os.ReadFile(versions[i].File)
		if err != nil {
			return nil, apperrors.Runtime("archive_read_failed", "unable to read archived policy").
				WithCause(err).WithDetail("policy_id", id).WithDetail("version", version)
		}
		return policy.Parse(data)
	}
	return nil, apperrors.Resource("policy_version_not_found", "no such policy version").
		WithDetail("policy_id", id).WithDetail("version", version)
}

// RestoreVersion replaces the live policy with an archived version. The
// replaced live version is archived first and the restored content receives
// a fresh patch bump, preserving linear version history.
func (s *Store) RestoreVersion(id, version string) (*policy.Policy, error) {
	restored, err := s.GetVersion(id, version)
	if err != nil {
		return nil, err
	}
	current, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if current.Version == version {
		return nil, apperrors.State("version_already_current", "requested version is already live").
			WithDetail("policy_id", id).WithDetail("version", version)
	}
	return s.Update(id, restored)
}

// CompareVersions renders a unified diff between two versions of a policy.
func (s *Store) CompareVersions(id, fromVersion, toVersion string) (string, error) {
	from, err := s.GetVersion(id, fromVersion)
	if err != nil {
		return "", err
	}
	to, err := s.GetVersion(id, toVersion)
	if err != nil {
		return "", err
	}

	fromData, err := policy.MarshalPolicy(from)
	if err != nil {
		return "", err
	}
	toData, err := policy.MarshalPolicy(to)
	if err != nil {
		return "", err
	}

	return unifiedDiff(
		fmt.Sprintf("%s@%s", id, fromVersion), string(fromData),
		fmt.Sprintf("%s@%s", id, toVersion), string(toData),
	)
}
