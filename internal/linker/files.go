package linker

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"mlm/internal/config"
	"mlm/internal/fileutil"
)

// materialize creates one library file from its download source using the
// rule's method. Fallback variants apply only on cross-device failures;
// anything else (including permission errors) is fatal for the file.
func materialize(method config.LinkMethod, src, dst string) error {
	switch method {
	case config.MethodHardlink:
		return hardLink(src, dst)
	case config.MethodHardlinkOrCopy:
		err := hardLink(src, dst)
		if isCrossDevice(err) {
			return fileutil.CopyFile(src, dst)
		}
		return err
	case config.MethodHardlinkOrSymlink:
		err := hardLink(src, dst)
		if isCrossDevice(err) {
			return symlink(src, dst)
		}
		return err
	case config.MethodCopy:
		return fileutil.CopyFile(src, dst)
	case config.MethodSymlink:
		return symlink(src, dst)
	default:
		return fmt.Errorf("unknown link method %q", method)
	}
}

func hardLink(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrExist) {
		if fileutil.SameFile(src, dst) {
			return nil
		}
		return fmt.Errorf("destination %q exists with different content", dst)
	}
	return err
}

func symlink(src, dst string) error {
	err := os.Symlink(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrExist) {
		if target, readErr := os.Readlink(dst); readErr == nil && target == src {
			return nil
		}
		return fmt.Errorf("destination %q exists with different target", dst)
	}
	return err
}

func isCrossDevice(err error) bool {
	if err == nil {
		return false
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return errors.Is(linkErr.Err, syscall.EXDEV)
	}
	return errors.Is(err, syscall.EXDEV)
}

// linkedCorrectly reports whether dst already is the expected materialization
// of src for the given method.
func linkedCorrectly(method config.LinkMethod, src, dst string) bool {
	switch method {
	case config.MethodSymlink:
		target, err := os.Readlink(dst)
		return err == nil && target == src
	case config.MethodHardlink:
		return fileutil.SameFile(src, dst)
	case config.MethodHardlinkOrCopy, config.MethodHardlinkOrSymlink:
		if fileutil.SameFile(src, dst) {
			return true
		}
		if target, err := os.Readlink(dst); err == nil && target == src {
			return true
		}
		_, err := os.Stat(dst)
		return err == nil
	default:
		_, err := os.Stat(dst)
		return err == nil
	}
}
