package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/narration-service/internal/audio"
)

const (
	artifactDirPermissions  = 0o750
	artifactFilePermissions = 0o600
	segmentFileFormat       = "segment_%04d.wav"
)

// ErrInvalidJobDir indicates a job id that is not a plain directory name.
var ErrInvalidJobDir = errors.New("job id is not a valid directory name")

// Artifacts keeps per-segment WAV files under <root>/<job_id>/ while a job
// runs, so that a failed job can be inspected afterwards.
type Artifacts struct {
	root string
}

// NewArtifacts creates root if needed.
func NewArtifacts(root string) (*Artifacts, error) {
	mkdirErr := os.MkdirAll(root, artifactDirPermissions)
	if mkdirErr != nil {
		return nil, fmt.Errorf("failed to create work directory %s: %w", root, mkdirErr)
	}

	return &Artifacts{root: root}, nil
}

// Dir returns the artifact directory of jobID.
func (a *Artifacts) Dir(jobID string) string {
	return filepath.Join(a.root, jobID)
}

// Write stores fragment as segment_NNNN.wav in the job directory.
func (a *Artifacts) Write(jobID string, index int, fragment audio.Fragment) error {
	if !filepath.IsLocal(jobID) || filepath.Base(jobID) != jobID {
		return fmt.Errorf("%w: %q", ErrInvalidJobDir, jobID)
	}

	dir := a.Dir(jobID)

	mkdirErr := os.MkdirAll(dir, artifactDirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create artifact directory %s: %w", dir, mkdirErr)
	}

	wav, err := audio.EncodeWAV(fragment.Format, fragment.Samples)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, fmt.Sprintf(segmentFileFormat, index))

	writeErr := os.WriteFile(path, wav, artifactFilePermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to write segment artifact %s: %w", path, writeErr)
	}

	return nil
}

// Remove deletes the job directory.
func (a *Artifacts) Remove(jobID string) error {
	if !filepath.IsLocal(jobID) || filepath.Base(jobID) != jobID {
		return fmt.Errorf("%w: %q", ErrInvalidJobDir, jobID)
	}

	err := os.RemoveAll(a.Dir(jobID))
	if err != nil {
		return fmt.Errorf("failed to remove artifacts of job %s: %w", jobID, err)
	}

	return nil
}

// Sweep deletes job directories last modified before now-olderThan and
// returns how many were removed.
func (a *Artifacts) Sweep(olderThan time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read work directory %s: %w", a.root, err)
	}

	cutoff := now.Add(-olderThan)
	removed := 0

	var errs []error

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			errs = append(errs, infoErr)

			continue
		}

		if !info.ModTime().Before(cutoff) {
			continue
		}

		removeErr := os.RemoveAll(filepath.Join(a.root, entry.Name()))
		if removeErr != nil {
			errs = append(errs, removeErr)

			continue
		}

		removed++
	}

	return removed, errors.Join(errs...)
}
