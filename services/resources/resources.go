// Package resources stores course resource files and returns their public URL.
package resources

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kurin/blazer/b2"
	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
)

// Store saves resource files under a key such as courses/<id>/<name>.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (publicURL string, err error)
	Delete(ctx context.Context, key string) error
}

type b2Store struct {
	client *b2.Client
	bucket *b2.Bucket
}

var _ Store = (*b2Store)(nil) // interface compliance check

// NewB2Store stores the files in a Backblaze B2 bucket.
func NewB2Store(ctx context.Context, conf *core.Config) (Store, error) {
	client, err := b2.NewClient(ctx, conf.B2.AccountID, conf.B2.AppKey)
	if err != nil {
		return nil, errors.Wrap(err, "creating b2 client")
	}
	bucket, err := client.Bucket(ctx, conf.B2.Bucket)
	if err != nil {
		return nil, errors.Wrap(err, "getting b2 bucket")
	}
	return &b2Store{client: client, bucket: bucket}, nil
}

func (s *b2Store) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	w := s.bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", errors.Wrap(err, "writing object")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "closing object writer")
	}
	return fmt.Sprintf("%s/file/%s/%s", s.bucket.BaseURL(), s.bucket.Name(), key), nil
}

func (s *b2Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Object(key).Delete(ctx)
	if b2.IsNotExist(err) {
		return nil
	}
	return err
}

type localStore struct {
	dir     string
	baseURL string
}

var _ Store = (*localStore)(nil)

// NewLocalStore stores the files under dir. They are served under baseURL.
func NewLocalStore(dir, baseURL string) Store {
	return &localStore{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (s *localStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", errors.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean)), nil
}

func (s *localStore) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fp, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(fp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", errors.Wrap(err, "writing "+key)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	u := s.baseURL + "/"
	for i, part := range strings.Split(strings.TrimPrefix(path.Clean("/"+key), "/"), "/") {
		if i > 0 {
			u += "/"
		}
		u += url.PathEscape(part)
	}
	return u, nil
}

func (s *localStore) Delete(_ context.Context, key string) error {
	fp, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fp); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
