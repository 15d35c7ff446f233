package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"flux-gen-service/internal/logging"
	"flux-gen-service/internal/model"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

const (
	filePrefix   = "flux_"
	imageExt     = ".png"
	sidecarExt   = ".json"
	deletingExt  = ".deleting"
	stampLayout  = "20060102_150405"
	DefaultLimit = 50

	defaultMirrorTimeout = 30 * time.Second
)

// GalleryOptions 图库配置
type GalleryOptions struct {
	Dir       string
	URLPrefix string // 图片访问路径前缀，例如 /outputs/
	Limit     int
	Mirror    Mirror // 可选
	// 单次镜像上传或删除的上限，默认 30s
	MirrorTimeout time.Duration
	Logger        *logging.Logger
}

// Gallery stores generated images as PNG + JSON sidecar pairs in one directory.
// An entry exists only while both halves exist.
type Gallery struct {
	dir       string
	urlPrefix string
	limit     int
	mirror    Mirror
	mirrorTTL time.Duration
	logger    *logging.Logger
	now       func() time.Time

	mu sync.RWMutex
}

func NewGallery(opts GalleryOptions) (*Gallery, error) {
	if opts.Dir == "" {
		return nil, errors.New("gallery dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("创建图库目录失败: %w", err)
	}
	if opts.URLPrefix == "" {
		opts.URLPrefix = "/outputs/"
	}
	if !strings.HasSuffix(opts.URLPrefix, "/") {
		opts.URLPrefix += "/"
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = defaultMirrorTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	return &Gallery{
		dir:       opts.Dir,
		urlPrefix: opts.URLPrefix,
		limit:     opts.Limit,
		mirror:    opts.Mirror,
		mirrorTTL: opts.MirrorTimeout,
		logger:    opts.Logger.Named("gallery"),
		now:       time.Now,
	}, nil
}

func (g *Gallery) Dir() string {
	return g.dir
}

// Save 写入一对图片与元数据，失败时不留下半个条目。
// 镜像上传在释放锁之后进行，成功后再补写元数据中的远程地址。
func (g *Gallery) Save(image []byte, sidecar model.Sidecar) (model.GalleryEntry, error) {
	data, err := normalizePNG(image)
	if err != nil {
		return model.GalleryEntry{}, err
	}

	entry, err := g.saveLocal(data, sidecar)
	if err != nil {
		return model.GalleryEntry{}, err
	}
	g.logger.Info("image saved", zap.String("filename", entry.Filename), zap.Int("bytes", len(data)))

	if g.mirror != nil {
		entry = g.mirrorUpload(entry, data)
	}
	return entry, nil
}

func (g *Gallery) saveLocal(data []byte, sidecar model.Sidecar) (model.GalleryEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if sidecar.CreatedAt.IsZero() {
		sidecar.CreatedAt = now
	}
	name := g.uniqueName(now)
	imagePath := filepath.Join(g.dir, name)

	if err := writeFileAtomic(g.dir, imagePath, data); err != nil {
		return model.GalleryEntry{}, fmt.Errorf("写入图片失败: %w", err)
	}
	if err := writeSidecar(g.dir, sidecarFor(imagePath), sidecar); err != nil {
		_ = os.Remove(imagePath)
		return model.GalleryEntry{}, fmt.Errorf("写入元数据失败: %w", err)
	}
	return g.entry(name, imagePath, sidecar), nil
}

// mirrorUpload 上传到镜像并把远程地址写回元数据；失败只记录日志
func (g *Gallery) mirrorUpload(entry model.GalleryEntry, data []byte) model.GalleryEntry {
	ctx, cancel := context.WithTimeout(context.Background(), g.mirrorTTL)
	defer cancel()

	remoteURL, err := g.mirror.Upload(ctx, entry.Filename, bytes.NewReader(data))
	if err != nil {
		g.logger.Warn("mirror upload failed", zap.String("filename", entry.Filename), zap.Error(err))
		return entry
	}

	g.mu.Lock()
	sidecarPath := sidecarFor(entry.Path)
	stillThere := fileExists(entry.Path) && fileExists(sidecarPath)
	if stillThere {
		updated := entry.Metadata
		updated.RemoteURL = remoteURL
		if err := writeSidecar(g.dir, sidecarPath, updated); err != nil {
			g.logger.Warn("record mirror url failed", zap.String("filename", entry.Filename), zap.Error(err))
		} else {
			entry.Metadata = updated
		}
	}
	g.mu.Unlock()

	if !stillThere {
		// 上传期间条目已被删除
		g.mirrorDelete(entry.Filename)
	}
	return entry
}

func (g *Gallery) mirrorDelete(filename string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.mirrorTTL)
	defer cancel()
	if err := g.mirror.Delete(ctx, filename); err != nil {
		g.logger.Warn("mirror delete failed", zap.String("filename", filename), zap.Error(err))
	}
}

// List 返回最新的条目，缺少任意一半或元数据损坏的条目会被跳过
func (g *Gallery) List() ([]model.GalleryEntry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	dirEntries, err := os.ReadDir(g.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []model.GalleryEntry{}, nil
		}
		return nil, fmt.Errorf("读取图库目录失败: %w", err)
	}

	entries := make([]model.GalleryEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || validateFilename(name) != nil {
			continue
		}
		imagePath := filepath.Join(g.dir, name)
		raw, err := os.ReadFile(sidecarFor(imagePath))
		if err != nil {
			continue
		}
		var sidecar model.Sidecar
		if err := json.Unmarshal(raw, &sidecar); err != nil {
			g.logger.Debug("skipping unreadable sidecar", zap.String("filename", name), zap.Error(err))
			continue
		}
		if sidecar.CreatedAt.IsZero() {
			if info, err := de.Info(); err == nil {
				sidecar.CreatedAt = info.ModTime()
			}
		}
		entries = append(entries, g.entry(name, imagePath, sidecar))
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].Filename > entries[j].Filename
	})
	if len(entries) > g.limit {
		entries = entries[:g.limit]
	}
	return entries, nil
}

// Delete 删除一对文件；元数据先移到旁边，图片删除失败时恢复
func (g *Gallery) Delete(filename string) error {
	if err := validateFilename(filename); err != nil {
		return err
	}
	if err := g.deleteLocal(filename); err != nil {
		return err
	}
	g.logger.Info("image deleted", zap.String("filename", filename))

	if g.mirror != nil {
		g.mirrorDelete(filename)
	}
	return nil
}

func (g *Gallery) deleteLocal(filename string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	imagePath := filepath.Join(g.dir, filename)
	sidecarPath := sidecarFor(imagePath)
	if !fileExists(imagePath) || !fileExists(sidecarPath) {
		return model.Errorf(model.KindNotFound, "image not found: %s", filename)
	}

	aside := sidecarPath + deletingExt
	if err := os.Rename(sidecarPath, aside); err != nil {
		return fmt.Errorf("删除元数据失败: %w", err)
	}
	if err := os.Remove(imagePath); err != nil {
		if rerr := os.Rename(aside, sidecarPath); rerr != nil {
			g.logger.Error("failed to restore sidecar", zap.String("filename", filename), zap.Error(rerr))
		}
		return fmt.Errorf("删除图片失败: %w", err)
	}
	if err := os.Remove(aside); err != nil {
		g.logger.Warn("failed to remove sidecar", zap.String("filename", filename), zap.Error(err))
	}
	return nil
}

// Open 返回完整条目中图片的本地路径
func (g *Gallery) Open(filename string) (string, error) {
	if err := validateFilename(filename); err != nil {
		return "", err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	imagePath := filepath.Join(g.dir, filename)
	if !fileExists(imagePath) || !fileExists(sidecarFor(imagePath)) {
		return "", model.Errorf(model.KindNotFound, "image not found: %s", filename)
	}
	return imagePath, nil
}

func (g *Gallery) entry(name, imagePath string, sidecar model.Sidecar) model.GalleryEntry {
	return model.GalleryEntry{
		Filename:  name,
		Path:      imagePath,
		URL:       g.urlPrefix + name,
		CreatedAt: sidecar.CreatedAt,
		Metadata:  sidecar,
	}
}

// uniqueName 同一秒内的多次保存依次追加 _1, _2 ...
func (g *Gallery) uniqueName(t time.Time) string {
	base := filePrefix + t.Format(stampLayout)
	name := base + imageExt
	for i := 1; g.taken(name); i++ {
		name = fmt.Sprintf("%s_%d%s", base, i, imageExt)
	}
	return name
}

func (g *Gallery) taken(name string) bool {
	p := filepath.Join(g.dir, name)
	return fileExists(p) || fileExists(sidecarFor(p)) || fileExists(sidecarFor(p)+deletingExt)
}

func validateFilename(name string) error {
	if name == "" ||
		name != filepath.Base(name) ||
		strings.ContainsAny(name, `/\`) ||
		strings.HasPrefix(name, ".") ||
		!strings.HasSuffix(name, imageExt) {
		return model.Errorf(model.KindValidation, "invalid filename: %q", name)
	}
	return nil
}

func sidecarFor(imagePath string) string {
	return strings.TrimSuffix(imagePath, imageExt) + sidecarExt
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// normalizePNG 非 PNG 输出统一转码为 PNG
func normalizePNG(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	if http.DetectContentType(data) == "image/png" {
		return data, nil
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("解码图片失败: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("编码 PNG 失败: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSidecar(dir, path string, sidecar model.Sidecar) error {
	meta, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(dir, path, meta)
}

// writeFileAtomic 先写临时文件再重命名
func writeFileAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
