package snapshot

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/John-Robertt/boxdroll/internal/domain"
	"github.com/John-Robertt/boxdroll/internal/infra/fsx"
)

// Store 把抓到的原始 HTML 落盘到 Root 下，用于上游 markup 漂移时采集 fixture。
//
// 约束：
// - 只写不读：应用本身从不回读快照（不是缓存）
// - Root 为空表示关闭，所有写入返回 ErrDisabled
type Store struct {
	Root string
}

var ErrDisabled = errors.New("snapshot: disabled")

func New(root string) Store {
	root = strings.TrimSpace(root)
	if root == "" {
		return Store{}
	}
	return Store{Root: filepath.Clean(root)}
}

func (s Store) Enabled() bool { return s.Root != "" }

// PagePath 返回列表页快照路径：<Root>/<username>/page-<n>.html。
func (s Store) PagePath(username string, page int) (string, error) {
	dir, name, err := s.pageLoc(username, page)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// PosterPath 返回海报片段快照路径：<Root>/posters/<id>.html（海报与用户无关）。
func (s Store) PosterPath(canonicalPath string) (string, error) {
	dir, name, err := s.posterLoc(canonicalPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func (s Store) WritePage(username string, page int, html []byte) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	path, err := s.PagePath(username, page)
	if err != nil {
		return err
	}
	return fsx.WriteFile(path, html)
}

func (s Store) WritePoster(canonicalPath string, html []byte) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	path, err := s.PosterPath(canonicalPath)
	if err != nil {
		return err
	}
	return fsx.WriteFile(path, html)
}

func (s Store) pageLoc(username string, page int) (string, string, error) {
	u, err := cleanSegment(username)
	if err != nil {
		return "", "", err
	}
	if page < 1 {
		return "", "", fmt.Errorf("page 必须 >= 1，实际 %d", page)
	}
	return filepath.Join(s.Root, u), "page-" + strconv.Itoa(page) + ".html", nil
}

func (s Store) posterLoc(canonicalPath string) (string, string, error) {
	id, err := cleanSegment(domain.IdentityFromPath(canonicalPath))
	if err != nil {
		return "", "", err
	}
	return filepath.Join(s.Root, "posters"), id + ".html", nil
}

var segmentRE = regexp.MustCompile(`^[a-z0-9_-]+$`)

// cleanSegment 只放行安全的单段文件名，避免路径穿越。
func cleanSegment(v string) (string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "", fmt.Errorf("名称不能为空")
	}
	if !segmentRE.MatchString(v) {
		return "", fmt.Errorf("非法名称：%q", v)
	}
	return v, nil
}
