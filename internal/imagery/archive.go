package imagery

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ZipDir archives every regular file under srcDir into dst, with paths
// relative to srcDir. dst is written under a temporary name and renamed.
func ZipDir(srcDir, dst string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	part := dst + ".part"
	zipFile, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			zipFile.Close()
			os.Remove(part)
		}
	}()

	zipWriter := zip.NewWriter(zipFile)
	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		w, err := zipWriter.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("zip %s: %w", srcDir, err)
	}
	if err = zipWriter.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	if err = zipFile.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return os.Rename(part, dst)
}
