package fsx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFile_CreatesParentsAndOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alice", "page-1.html")

	if err := WriteFile(path, []byte("v1")); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if err := WriteFile(path, []byte("v2")); err != nil {
		t.Fatalf("覆盖写入不期望错误：%v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取文件失败：%v", err)
	}
	if string(b) != "v2" {
		t.Fatalf("期望覆盖为 v2，实际 %q", string(b))
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir 失败：%v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".page-1.html.tmp-") {
			t.Fatalf("临时文件未清理：%q", e.Name())
		}
	}
}

func TestWriteFile_RenameFailLeavesNothing(t *testing.T) {
	dir := t.TempDir()

	old := renameFunc
	renameFunc = func(oldpath, newpath string) error {
		return os.ErrPermission
	}
	defer func() { renameFunc = old }()

	if err := WriteFile(filepath.Join(dir, "a.html"), []byte("hello")); err == nil {
		t.Fatalf("期望失败，但得到 nil")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir 失败：%v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rename 失败后目录应为空，实际 %d 项", len(entries))
	}
}

func TestWriteFile_TargetIsDir(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a.html")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}

	err := WriteFile(target, []byte("hello"))
	if !IsPathTypeConflict(err) {
		t.Fatalf("期望 PathTypeConflictError，实际：%T %v", err, err)
	}
}
