package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

// Mirror 远程镜像存储，图库在本地写入成功后再上传
type Mirror interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error) // 返回远程 URL
	Delete(ctx context.Context, name string) error
}

// OSSMirror 阿里云 OSS 镜像实现
type OSSMirror struct {
	Bucket *oss.Bucket
	Domain string // OSS 访问域名
	Prefix string // 对象前缀，例如 flux/
}

// OSSOptions OSS 连接参数
type OSSOptions struct {
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
	BucketName      string
	Domain          string
	Prefix          string
}

// NewOSSMirror 初始化 OSS 镜像
func NewOSSMirror(opts OSSOptions) (*OSSMirror, error) {
	client, err := oss.New(opts.Endpoint, opts.AccessKeyID, opts.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("创建 OSS 客户端失败: %w", err)
	}
	bucket, err := client.Bucket(opts.BucketName)
	if err != nil {
		return nil, fmt.Errorf("打开 OSS Bucket 失败: %w", err)
	}
	domain := opts.Domain
	if domain == "" {
		domain = opts.BucketName + "." + opts.Endpoint
	}
	return &OSSMirror{Bucket: bucket, Domain: domain, Prefix: opts.Prefix}, nil
}

func (s *OSSMirror) key(name string) string {
	return path.Join(strings.Trim(s.Prefix, "/"), name)
}

func (s *OSSMirror) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	key := s.key(name)
	if err := s.Bucket.PutObject(key, reader, oss.ContentType("image/png"), oss.WithContext(ctx)); err != nil {
		return "", fmt.Errorf("OSS 上传失败: %w", err)
	}
	domain := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(s.Domain, "https://"), "http://"), "/")
	return fmt.Sprintf("https://%s/%s", domain, key), nil
}

func (s *OSSMirror) Delete(ctx context.Context, name string) error {
	if err := s.Bucket.DeleteObject(s.key(name), oss.WithContext(ctx)); err != nil {
		return fmt.Errorf("OSS 删除失败: %w", err)
	}
	return nil
}
