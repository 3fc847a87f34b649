package batch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MoveFileToDir moves srcPath into dstDir, creating it if needed. An existing
// file with the same name is kept and the moved file gets a timestamp suffix.
func MoveFileToDir(srcPath string, dstDir string) (string, error) {
	if strings.TrimSpace(dstDir) == "" {
		return "", errors.New("destination directory is empty")
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create %s", dstDir)
	}
	base := filepath.Base(srcPath)
	dstPath := filepath.Join(dstDir, base)
	if _, err := os.Stat(dstPath); err == nil {
		ext := filepath.Ext(base)
		dstPath = filepath.Join(dstDir, fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), time.Now().UnixNano(), ext))
	}

	if err := os.Rename(srcPath, dstPath); err == nil {
		return dstPath, nil
	}

	// rename fails across devices
	if err := copyFile(srcPath, dstPath); err != nil {
		_ = os.Remove(dstPath)
		return "", err
	}
	if err := os.Remove(srcPath); err != nil {
		return "", errors.Wrapf(err, "remove %s", srcPath)
	}
	return dstPath, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "copy to %s", dst)
	}
	return errors.Wrapf(out.Close(), "close %s", dst)
}
