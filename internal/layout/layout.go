// Package layout owns the on-disk shape of a materialized study:
//
//	[patient]-[exam]-[datetime]/[seriesNumber]-[seriesName]/00001.dcm
//
// Directory names come from portal-supplied display text, so every
// path-illegal character is replaced with its full-width lookalike; the
// names stay readable without ever producing a separator. Instance files
// are zero-padded so lexicographic and numeric order coincide.
package layout

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// studyMarker records which study owns a destination directory, making
// re-runs idempotent and name collisions between distinct studies
// detectable.
const studyMarker = ".study"

// WriteError means the destination filesystem is unusable (permissions,
// disk full). It is fatal for the whole run: no further progress is
// possible once the destination rejects writes.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("layout: write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

var illegalChars = map[rune]rune{
	':':  '：',
	'*':  '＊',
	'?':  '？',
	'"':  '\'',
	'|':  '｜',
	'<':  '＜',
	'>':  '＞',
	'/':  '／',
	'\\': '＼',
}

// Sanitize makes display text safe as a single path component while
// keeping it readable: illegal characters become their full-width
// equivalents instead of being dropped, so distinct names stay distinct.
func Sanitize(text string) string {
	return strings.Map(func(r rune) rune {
		if repl, ok := illegalChars[r]; ok {
			return repl
		}
		return r
	}, strings.TrimSpace(text))
}

// StudyDirName builds the study directory name [patient]-[exam]-[datetime]
// with time separators stripped.
func StudyDirName(patient, exam, datetime string) string {
	datetime = strings.Map(func(r rune) rune {
		switch r {
		case '-', ':', ' ', 'T':
			return -1
		}
		return r
	}, datetime)
	return fmt.Sprintf("%s-%s-%s", Sanitize(patient), Sanitize(exam), datetime)
}

// StudyDir resolves and creates the destination directory for a study
// under root. The directory is claimed for studyID via a marker file:
//   - a fresh directory is claimed and used;
//   - a directory already claimed by the same study is reused, which is
//     what makes re-runs idempotent;
//   - a directory claimed by a different study gets a deterministic
//     "-<sha256[:8]>" suffix of this study's identifier, never a silent
//     overwrite and never a run-dependent counter.
func StudyDir(root, name, studyID string) (string, error) {
	dir := filepath.Join(root, name)

	owner, err := readMarker(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return "", &WriteError{dir, err}
	case owner == studyID:
		return dir, nil
	default:
		sum := sha256.Sum256([]byte(studyID))
		dir = filepath.Join(root, name+"-"+hex.EncodeToString(sum[:4]))
		if owner, err := readMarker(dir); err == nil && owner == studyID {
			return dir, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", &WriteError{dir, err}
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &WriteError{dir, err}
	}
	if err := os.WriteFile(filepath.Join(dir, studyMarker), []byte(studyID+"\n"), 0o644); err != nil {
		return "", &WriteError{dir, err}
	}
	return dir, nil
}

func readMarker(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, studyMarker))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// An unclaimed directory that exists was not written by us;
			// treat it like a foreign owner would be too aggressive, so
			// claim it only if it is truly absent.
			if _, statErr := os.Stat(dir); statErr == nil {
				return "", nil
			}
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SeriesDir is the file naming scheme of one series directory.
type SeriesDir struct {
	path  string
	width int
}

// NewSeriesDir creates (idempotently) the [number]-[name] subdirectory and
// fixes the zero-padding width from the expected instance count. Series
// without a name use "Unnamed" so the directory stays self-describing.
func NewSeriesDir(studyDir string, number int, name string, expected int) (*SeriesDir, error) {
	if name == "" {
		name = "Unnamed"
	}
	path := filepath.Join(studyDir, fmt.Sprintf("%d-%s", number, Sanitize(name)))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, &WriteError{path, err}
	}
	return &SeriesDir{path: path, width: paddingWidth(expected)}, nil
}

// Path returns the series directory path.
func (d *SeriesDir) Path() string { return d.path }

// InstancePath returns the file path for the given 1-based instance
// number, zero-padded so listing order equals instance order.
func (d *SeriesDir) InstancePath(instance int) string {
	return filepath.Join(d.path, fmt.Sprintf("%0*d.dcm", d.width, instance))
}

// paddingWidth sizes the zero padding to the expected instance count,
// with one spare digit and a floor of five.
func paddingWidth(expected int) int {
	w := len(strconv.Itoa(expected)) + 1
	if w < 5 {
		w = 5
	}
	return w
}

// WriteAtomic writes data to path via a temporary file in the same
// directory followed by a rename, so a crash mid-write never leaves a
// corrupt final file.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &WriteError{path, err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &WriteError{path, err}
	}
	if err := tmp.Close(); err != nil {
		return &WriteError{path, err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &WriteError{path, err}
	}
	return nil
}
