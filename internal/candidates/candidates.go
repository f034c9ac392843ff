// Package candidates decides which repository files are lockable assets and
// enumerates them. A file qualifies when it matches an include pattern, no
// exclude pattern, and looks binary.
package candidates

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"

	"pkt.systems/assetlock/internal/svcfields"
	"pkt.systems/assetlock/record"
	"pkt.systems/pslog"
)

// DefaultSniffLimit is how many leading bytes IsBinary inspects.
const DefaultSniffLimit = 1024

// MetaSuffix marks sidecar files that share the lock of the asset beside them.
const MetaSuffix = ".meta"

// DefaultPatterns are the include patterns used when none are configured.
var DefaultPatterns = []string{
	"**/*.prefab",
	"**/*.unity",
	"**/*.asset",
	"**/*.psd",
	"**/*.png",
	"**/*.fbx",
	"**/*.wav",
}

var skipDirs = map[string]struct{}{
	".git": {},
}

// Option customises a Classifier.
type Option func(*Classifier)

// WithPatterns replaces the include patterns.
func WithPatterns(patterns ...string) Option {
	return func(c *Classifier) {
		c.include = append([]string(nil), patterns...)
	}
}

// WithExcludes adds exclude patterns.
func WithExcludes(patterns ...string) Option {
	return func(c *Classifier) {
		c.exclude = append(c.exclude, patterns...)
	}
}

// WithSniffLimit sets how many bytes are inspected by the binary check.
func WithSniffLimit(n int64) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.sniffLimit = n
		}
	}
}

// WithTrackText accepts pattern matches without the binary check.
func WithTrackText(enabled bool) Option {
	return func(c *Classifier) {
		c.trackText = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Classifier) {
		c.logger = svcfields.WithSubsystem(logger, svcfields.Candidates)
	}
}

// Classifier answers the tracking verdict for paths below root.
type Classifier struct {
	root       string
	include    []string
	exclude    []string
	sniffLimit int64
	trackText  bool
	logger     pslog.Logger
}

// New returns a Classifier for the working copy at root.
func New(root string, opts ...Option) (*Classifier, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("candidates: resolve root: %w", err)
	}
	c := &Classifier{
		root:       abs,
		include:    append([]string(nil), DefaultPatterns...),
		sniffLimit: DefaultSniffLimit,
		logger:     svcfields.WithSubsystem(nil, svcfields.Candidates),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, p := range append(append([]string(nil), c.include...), c.exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("candidates: invalid pattern %q", p)
		}
	}
	c.logger.Debug("candidates.config",
		"root", c.root,
		"patterns", len(c.include),
		"excludes", len(c.exclude),
		"sniff", humanize.Bytes(uint64(c.sniffLimit)),
		"track_text", c.trackText,
	)
	return c, nil
}

// Root returns the absolute working copy root.
func (c *Classifier) Root() string {
	return c.root
}

// AssetPath maps a sidecar ".meta" path to its asset and normalizes it.
func AssetPath(p string) string {
	p = record.NormalizePath(p)
	if strings.HasSuffix(strings.ToLower(p), MetaSuffix) {
		p = p[:len(p)-len(MetaSuffix)]
	}
	return p
}

// Matches reports whether the repository-relative path passes the include
// and exclude patterns.
func (c *Classifier) Matches(p string) bool {
	p = AssetPath(p)
	if p == "" {
		return false
	}
	matched := false
	for _, pattern := range c.include {
		if ok, _ := doublestar.Match(pattern, p); ok {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, pattern := range c.exclude {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return false
		}
	}
	return true
}

// ShouldTrack reports whether the repository-relative path is a lockable
// asset. Missing or unreadable files are rejected.
func (c *Classifier) ShouldTrack(p string) bool {
	p = AssetPath(p)
	if !c.Matches(p) {
		return false
	}
	f, err := os.Open(filepath.Join(c.root, filepath.FromSlash(p)))
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if c.trackText {
		return true
	}
	binary, err := IsBinary(f, c.sniffLimit)
	if err != nil {
		c.logger.Warn("candidates.sniff_failed", "path", p, "error", err)
		return false
	}
	return binary
}

// Enumerate walks root and yields every lockable asset path, relative to
// root, in lexical order. ".git" directories are skipped and sidecar files
// collapse onto their asset.
func (c *Classifier) Enumerate(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		seen := make(map[string]struct{})
		err := filepath.WalkDir(c.root, func(full string, d fs.DirEntry, err error) error {
			if err != nil {
				if !yield("", err) {
					return fs.SkipAll
				}
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				if _, skip := skipDirs[d.Name()]; skip && full != c.root {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(c.root, full)
			if err != nil {
				return err
			}
			p := AssetPath(rel)
			if _, dup := seen[p]; dup {
				return nil
			}
			seen[p] = struct{}{}
			if !c.ShouldTrack(p) {
				return nil
			}
			if !yield(p, nil) {
				return fs.SkipAll
			}
			return nil
		})
		if err != nil && !errors.Is(err, fs.SkipAll) {
			yield("", err)
		}
	}
}

// IsBinary reports whether the first limit bytes of r contain NUL or
// non-whitespace control characters. YAML documents are always text.
func IsBinary(r io.Reader, limit int64) (bool, error) {
	if limit <= 0 {
		limit = DefaultSniffLimit
	}
	br := bufio.NewReader(io.LimitReader(r, limit))
	head, err := br.Peek(5)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return false, err
	}
	if bytes.HasPrefix(head, []byte("%YAML")) {
		return false, nil
	}
	buf := make([]byte, 512)
	for {
		n, err := br.Read(buf)
		for _, b := range buf[:n] {
			if isControl(b) {
				return true, nil
			}
		}
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
}

func isControl(b byte) bool {
	switch {
	case b == 0:
		return true
	case b < 8:
		return true
	case b > 13 && b < 26:
		return true
	}
	return false
}
