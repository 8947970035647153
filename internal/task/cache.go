// Package task implements the task runner: selecting an implementation by
// feature set, fetching files into a content-addressed cache, composing an
// ephemeral install directory, and delegating to the external module runner
// in its non-blocking shape.
package task

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const cacheIndexBucket = "entries"

// cacheIndexEntry is the bbolt-backed accelerant record for a cached file;
// see SPEC_FULL.md §3 — the filesystem, not this index, is authoritative.
type cacheIndexEntry struct {
	Filename   string    `json:"filename"`
	FetchedAt  time.Time `json:"fetched_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Cache is the content-addressed `<dir>/<sha256>/<filename>` store.
type Cache struct {
	dir        string
	httpClient *http.Client
	index      *bolt.DB
}

// NewCache opens (creating if necessary) the cache rooted at dir, along with
// its bbolt index file.
func NewCache(dir string, httpClient *http.Client) (*Cache, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("task cache: failed to create %s: %w", dir, err)
	}
	db, err := bolt.Open(filepath.Join(dir, ".index.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("task cache: failed to open index: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cacheIndexBucket))
		return err
	}); err != nil {
		return nil, fmt.Errorf("task cache: failed to init index bucket: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Cache{dir: dir, httpClient: httpClient, index: db}, nil
}

func (c *Cache) entryDir(sha256Hex string) string {
	return filepath.Join(c.dir, sha256Hex)
}

// Path returns the cached path for (sha256Hex, filename) if present.
func (c *Cache) Path(sha256Hex, filename string) (string, bool) {
	path := filepath.Join(c.entryDir(sha256Hex), filename)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	c.touchIndex(sha256Hex, filename)
	return path, true
}

func (c *Cache) touchIndex(sha256Hex, filename string) {
	_ = c.index.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cacheIndexBucket))
		var e cacheIndexEntry
		if data := b.Get([]byte(sha256Hex)); data != nil {
			_ = json.Unmarshal(data, &e)
		} else {
			e.Filename = filename
			e.FetchedAt = time.Now()
		}
		e.LastUsedAt = time.Now()
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(sha256Hex), data)
	})
}

// Fetch ensures (sha256Hex, filename) is present in the cache, downloading
// it from the first reachable master in masters if absent. masters entries
// use the "s3://bucket/key" scheme for S3 or any http(s) URL.
func (c *Cache) Fetch(ctx context.Context, masters []string, uriPath string, sha256Hex, filename string) (string, error) {
	if path, ok := c.Path(sha256Hex, filename); ok {
		return path, nil
	}

	dest := filepath.Join(c.entryDir(sha256Hex), filename)
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return "", fmt.Errorf("task cache: failed to create entry dir: %w", err)
	}

	var lastErr error
	for _, master := range masters {
		full := strings.TrimRight(master, "/") + "/" + strings.TrimLeft(uriPath, "/")
		if err := c.downloadOne(ctx, full, dest); err != nil {
			lastErr = err
			continue
		}
		if err := verifySHA256(dest, sha256Hex); err != nil {
			os.Remove(dest)
			lastErr = err
			continue
		}
		if err := os.Chmod(dest, 0750); err != nil {
			lastErr = err
			continue
		}
		c.touchIndex(sha256Hex, filename)
		return dest, nil
	}
	return "", fmt.Errorf("task cache: failed to fetch %s from any of %d master(s): %w", uriPath, len(masters), lastErr)
}

func (c *Cache) downloadOne(ctx context.Context, rawURL, dest string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid master uri %q: %w", rawURL, err)
	}

	if u.Scheme == "s3" {
		return c.downloadS3(ctx, u, dest)
	}
	return c.downloadHTTP(ctx, rawURL, dest)
}

func (c *Cache) downloadHTTP(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("master %s returned status %d", rawURL, resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

func (c *Cache) downloadS3(ctx context.Context, u *url.URL, dest string) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	downloader := manager.NewDownloader(client)

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	key := strings.TrimPrefix(u.Path, "/")
	_, err = downloader.Download(ctx, out, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	})
	return err
}

func verifySHA256(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expected {
		return fmt.Errorf("sha256 mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// Purge removes sha256-keyed cache directories whose index entry was last
// used more than ttl ago. Directories without an index entry are kept.
// Ongoing transactions are not consulted.
func (c *Cache) Purge(ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-ttl)
	purged := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sha := entry.Name()
		lastUsed := c.lastUsed(sha)
		if lastUsed.IsZero() || lastUsed.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.dir, sha)); err != nil {
			continue
		}
		c.dropIndex(sha)
		purged++
	}
	return purged, nil
}

func (c *Cache) lastUsed(sha string) time.Time {
	var last time.Time
	_ = c.index.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cacheIndexBucket))
		data := b.Get([]byte(sha))
		if data == nil {
			return nil
		}
		var e cacheIndexEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		last = e.LastUsedAt
		return nil
	})
	return last
}

func (c *Cache) dropIndex(sha string) {
	_ = c.index.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(cacheIndexBucket)).Delete([]byte(sha))
	})
}

// Close releases the index database handle.
func (c *Cache) Close() error {
	return c.index.Close()
}
