// Package artifact persists per-case intermediate pipeline outputs.
//
// Every write creates a new immutable version; reads return the latest.
// Files live under <root>/<case_id>/ and are named
// <case_id>_<seq>_<kind>.v<version>.<ext>, for example
// S1_03_filtered_terms.v2.txt. The store does no locking: callers must not
// write the same (case, kind) concurrently.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/phenorank/internal/model"
	"github.com/sells-group/phenorank/internal/resilience"
)

// Store is a filesystem-backed artifact store rooted at one directory.
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, classify(eris.Wrapf(err, "artifact: create root %s", root))
	}
	return &Store{root: root}, nil
}

// Root returns the directory the store writes under.
func (s *Store) Root() string { return s.root }

// CaseDir returns the working directory of one case.
func (s *Store) CaseDir(caseID string) string {
	return filepath.Join(s.root, caseID)
}

// FileName returns the deterministic file name for a version of an artifact.
func FileName(caseID string, kind model.ArtifactKind, version int) string {
	return caseID + "_" + twoDigits(kind.Seq()) + "_" + string(kind) + ".v" + strconv.Itoa(version) + "." + kind.Ext()
}

// Write durably persists content as the next version of (caseID, kind).
func (s *Store) Write(caseID string, kind model.ArtifactKind, content []byte) (*model.Artifact, error) {
	if caseID == "" {
		return nil, eris.New("artifact: empty case id")
	}
	dir := s.CaseDir(caseID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, classify(eris.Wrapf(err, "artifact: create case dir %s", dir))
	}

	versions, err := s.Versions(caseID, kind)
	if err != nil {
		return nil, err
	}
	version := 1
	if n := len(versions); n > 0 {
		version = versions[n-1] + 1
	}

	path := filepath.Join(dir, FileName(caseID, kind, version))
	if err := writeAtomic(path, content); err != nil {
		return nil, classify(err)
	}

	a := &model.Artifact{
		CaseID:    caseID,
		Kind:      kind,
		Version:   version,
		Path:      path,
		Content:   content,
		Checksum:  checksum(content),
		CreatedAt: time.Now().UTC(),
	}
	zap.L().Debug("artifact written",
		zap.String("case_id", caseID),
		zap.String("kind", string(kind)),
		zap.Int("version", version),
		zap.Int("bytes", len(content)),
	)
	return a, nil
}

// Read returns the latest version of (caseID, kind). It fails with
// artifact_missing when no version exists.
func (s *Store) Read(caseID string, kind model.ArtifactKind) (*model.Artifact, error) {
	versions, err := s.Versions(caseID, kind)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, resilience.Newf(resilience.KindArtifactMissing, "artifact: no %s for case %s", kind, caseID)
	}
	version := versions[len(versions)-1]
	path := filepath.Join(s.CaseDir(caseID), FileName(caseID, kind, version))

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, resilience.New(resilience.KindArtifactMissing, eris.Wrapf(err, "artifact: read %s", path))
		}
		return nil, classify(eris.Wrapf(err, "artifact: read %s", path))
	}

	a := &model.Artifact{
		CaseID:   caseID,
		Kind:     kind,
		Version:  version,
		Path:     path,
		Content:  content,
		Checksum: checksum(content),
	}
	if info, err := os.Stat(path); err == nil {
		a.CreatedAt = info.ModTime().UTC()
	}
	return a, nil
}

// Versions lists the existing versions of (caseID, kind) in ascending order.
func (s *Store) Versions(caseID string, kind model.ArtifactKind) ([]int, error) {
	entries, err := os.ReadDir(s.CaseDir(caseID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, classify(eris.Wrapf(err, "artifact: list case %s", caseID))
	}

	prefix := caseID + "_" + twoDigits(kind.Seq()) + "_" + string(kind) + ".v"
	suffix := "." + kind.Ext()
	var out []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix))
		if err != nil || v < 1 {
			continue
		}
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

var namePattern = regexp.MustCompile(`^(.+)_(\d{2})_([a-z_]+)\.v(\d+)\.(txt|csv)$`)

// List returns metadata for the latest version of every artifact of a case,
// in pipeline order. Content is not loaded.
func (s *Store) List(caseID string) ([]model.Artifact, error) {
	entries, err := os.ReadDir(s.CaseDir(caseID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, classify(eris.Wrapf(err, "artifact: list case %s", caseID))
	}

	latest := make(map[model.ArtifactKind]model.Artifact)
	for _, e := range entries {
		m := namePattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] != caseID {
			continue
		}
		kind := model.ArtifactKind(m[3])
		v, _ := strconv.Atoi(m[4])
		if cur, ok := latest[kind]; ok && cur.Version >= v {
			continue
		}
		a := model.Artifact{
			CaseID:  caseID,
			Kind:    kind,
			Version: v,
			Path:    filepath.Join(s.CaseDir(caseID), e.Name()),
		}
		if info, err := e.Info(); err == nil {
			a.CreatedAt = info.ModTime().UTC()
		}
		latest[kind] = a
	}

	out := make([]model.Artifact, 0, len(latest))
	for _, a := range latest {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind.Seq() < out[j].Kind.Seq() })
	return out, nil
}

// writeAtomic writes data to a temp file in the target directory, syncs it,
// then renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return eris.Wrap(err, "artifact: create temp file")
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "artifact: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "artifact: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "artifact: close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return eris.Wrapf(err, "artifact: rename into %s", path)
	}
	tmpName = ""
	return nil
}

// classify tags disk-full style failures so the coordinator can abort the
// batch.
func classify(err error) error {
	if resilience.IsResourceExhausted(err) {
		return resilience.New(resilience.KindResourceExhausted, err)
	}
	return err
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func twoDigits(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
