package fsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// 通过可替换的函数指针，让测试能稳定模拟 rename 失败。
var renameFunc = os.Rename

// PathTypeConflictError 表示目标路径已存在但不是普通文件（例如是目录）。
type PathTypeConflictError struct {
	Path string
	Got  string
}

func (e *PathTypeConflictError) Error() string {
	return fmt.Sprintf("目标路径不是普通文件：%q（实际 %s）", e.Path, e.Got)
}

func IsPathTypeConflict(err error) bool {
	var e *PathTypeConflictError
	return errors.As(err, &e)
}

// WriteFile 原子写入 path：父目录按需创建，同目录临时文件写完后 rename 覆盖目标。
//
// 约束：
// - 读者要么看到旧内容，要么看到完整的新内容
// - 目标是目录或非普通文件时返回 PathTypeConflictError，不做任何写入
// - 任何失败都不留下临时文件
func WriteFile(path string, data []byte) (err error) {
	path = filepath.Clean(path)
	if fi, statErr := os.Lstat(path); statErr == nil {
		if !fi.Mode().IsRegular() {
			got := "dir"
			if !fi.IsDir() {
				got = fi.Mode().Type().String()
			}
			return &PathTypeConflictError{Path: path, Got: got}
		}
	} else if !os.IsNotExist(statErr) {
		return statErr
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// 临时文件前缀带 '.'，即使进程被杀残留下来也不会被当成快照。
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Chmod(0o644); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = renameFunc(tmpName, path); err != nil {
		return err
	}

	syncDir(dir)
	return nil
}

// syncDir 让 rename 落盘；失败不影响结果。Windows 上目录不支持 Sync，直接跳过。
func syncDir(dir string) {
	if runtime.GOOS == "windows" {
		return
	}
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = f.Sync()
	_ = f.Close()
}
