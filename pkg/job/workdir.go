package job

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Files kept in a job working directory
const (
	FingerprintFile = "render.md5"
	SeedFile        = "render.seed"
	FilmFile        = "render.flm"
	ImageFile       = "render.png"

	filmExt = ".flm"
)

var (
	// ErrFingerprintMismatch means the working directory belongs to a
	// different descriptor
	ErrFingerprintMismatch = errors.New("descriptor fingerprint mismatch")

	// ErrCorruptMetadata means the fingerprint or seed file is missing or
	// unreadable
	ErrCorruptMetadata = errors.New("corrupt working directory metadata")
)

// Fingerprint returns the hex MD5 of the file at path
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open descriptor: %w", err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read descriptor: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// workDir wraps the on-disk layout of a job's working directory
type workDir string

func (w workDir) path(name string) string {
	return filepath.Join(string(w), name)
}

// check returns the stored seed cursor when the directory belongs to
// fingerprint
func (w workDir) check(fingerprint string) (uint64, error) {
	stored, err := os.ReadFile(w.path(FingerprintFile))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	if strings.TrimSpace(string(stored)) != fingerprint {
		return 0, ErrFingerprintMismatch
	}

	seed, err := w.readSeed()
	if err != nil {
		return 0, err
	}

	return seed, nil
}

func (w workDir) readSeed() (uint64, error) {
	data, err := os.ReadFile(w.path(SeedFile))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}

	seed, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || seed == 0 {
		return 0, fmt.Errorf("%w: invalid seed %q", ErrCorruptMetadata, strings.TrimSpace(string(data)))
	}

	return seed, nil
}

func (w workDir) writeSeed(seed uint64) error {
	return w.writeAtomic(SeedFile, []byte(strconv.FormatUint(seed, 10)+"\n"))
}

func (w workDir) writeFingerprint(fingerprint string) error {
	return w.writeAtomic(FingerprintFile, []byte(fingerprint+"\n"))
}

func (w workDir) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(string(w), name+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	if err := os.Rename(tmpName, w.path(name)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}

	return nil
}

// partialFilms lists every per-node film, excluding the canonical composite
func (w workDir) partialFilms() ([]string, error) {
	entries, err := os.ReadDir(string(w))
	if err != nil {
		return nil, err
	}

	var films []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != filmExt || e.Name() == FilmFile {
			continue
		}
		films = append(films, w.path(e.Name()))
	}

	return films, nil
}

// wipe removes every film, metadata and output file from a previous run
func (w workDir) wipe() error {
	entries, err := os.ReadDir(string(w))
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}

		switch {
		case filepath.Ext(name) == filmExt,
			name == FingerprintFile,
			name == SeedFile,
			name == ImageFile,
			strings.Contains(name, ".tmp"):
			if err := os.Remove(w.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to remove %s: %w", name, err)
			}
		}
	}

	return nil
}
