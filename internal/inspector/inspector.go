// Package inspector exposes the two operations htscan offers its hosts:
// listing suspicious files under a configured root and retrieving one of
// them by its install-relative path.
//
// An Inspector assumes the caller has already authenticated the requester.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/CageChen/htscan/internal/audit"
	"github.com/CageChen/htscan/internal/config"
	"github.com/CageChen/htscan/internal/logger"
	"github.com/CageChen/htscan/internal/metrics"
	"github.com/CageChen/htscan/internal/resolver"
	"github.com/CageChen/htscan/internal/scanner"
)

var (
	// ErrUnknownRoot is returned by ListMatches for a key not in the config.
	ErrUnknownRoot = errors.New("unknown root")

	// ErrSuffixNotAllowed rejects a validated file whose name does not end
	// with one of the retrievable suffixes.
	ErrSuffixNotAllowed = errors.New("file type not retrievable")
)

// Caller-facing retrieval failure reasons.
const (
	ReasonInvalidPath = "invalid path"
	ReasonReadError   = "error reading file"
)

// Entry is one listed file.
type Entry struct {
	DisplayPath string `json:"displayPath"`
	Size        int64  `json:"size"`
	Empty       bool   `json:"empty"`
	// Token is the install-relative path to pass to RetrieveFile. Empty files
	// carry no token and are not offered for retrieval.
	Token string `json:"token,omitempty"`
}

// Listing is the result of scanning one root.
type Listing struct {
	Root    config.Root    `json:"root"`
	Matches []Entry        `json:"matches"`
	Skipped []scanner.Skip `json:"skipped"`
}

// Retrieval is the result of RetrieveFile. Reason is safe to show to callers.
type Retrieval struct {
	OK      bool   `json:"ok"`
	Content []byte `json:"-"`
	Reason  string `json:"reason,omitempty"`

	err error
}

// Err returns the internal error behind a failed retrieval, for logging and
// tests. It must not be shown to callers.
func (r Retrieval) Err() error {
	return r.err
}

// Inspector lists and retrieves files. It holds only configuration and
// immutable helpers, so it is safe for concurrent use.
type Inspector struct {
	cfg      *config.Config
	resolver *resolver.Resolver
	scanners map[string]*scanner.Scanner
	audit    *audit.Logger
	metrics  metrics.Recorder
	suffixes []string
}

// New builds an Inspector from cfg. Every configured root must exist; a
// missing one is returned as resolver.ErrRootNotFound. auditLog and recorder
// may be nil.
func New(cfg *config.Config, auditLog *audit.Logger, recorder metrics.Recorder) (*Inspector, error) {
	r, err := resolver.New(cfg.InstallRoot, cfg.RootPaths(), cfg.Retrieve.MaxFileSize)
	if err != nil {
		return nil, err
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}

	prefixes := cfg.AbsRoots()
	scanners := make(map[string]*scanner.Scanner, len(cfg.Roots))
	for _, root := range cfg.Roots {
		exclude := append(append([]string{}, cfg.Scan.Exclude...), root.Exclude...)
		scanners[root.Key] = scanner.New(scanner.Options{
			MaxDepth:       cfg.Scan.MaxDepth,
			FollowSymlinks: cfg.Scan.FollowSymlinks,
			Exclude:        exclude,
			Prefixes:       prefixes,
		})
	}

	return &Inspector{
		cfg:      cfg,
		resolver: r,
		scanners: scanners,
		audit:    auditLog,
		metrics:  recorder,
		suffixes: cfg.Retrieve.Suffixes,
	}, nil
}

// Roots returns the configured roots in config order.
func (in *Inspector) Roots() []config.Root {
	return append([]config.Root(nil), in.cfg.Roots...)
}

// ListMatches scans the root identified by key for files ending with the
// root's suffix.
func (in *Inspector) ListMatches(ctx context.Context, key string) (*Listing, error) {
	root, ok := in.cfg.RootByKey(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoot, key)
	}

	start := time.Now()
	res, err := in.scanners[key].Scan(ctx, in.cfg.AbsPath(root), root.Suffix)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", key, err)
	}
	in.metrics.RecordScan(key, time.Since(start), len(res.Matches), len(res.Skipped))
	for _, s := range res.Skipped {
		logger.Debug("scan %s: skipped %s: %s", key, s.Path, s.Reason)
	}

	listing := &Listing{
		Root:    root,
		Matches: make([]Entry, 0, len(res.Matches)),
		Skipped: res.Skipped,
	}
	for _, m := range res.Matches {
		e := Entry{DisplayPath: m.DisplayPath, Size: m.Size, Empty: m.Empty}
		if !m.Empty {
			e.Token = in.token(m.Path)
		}
		listing.Matches = append(listing.Matches, e)
	}
	return listing, nil
}

// ListAll lists every configured root in config order. It stops at the first
// root that cannot be scanned.
func (in *Inspector) ListAll(ctx context.Context) ([]*Listing, error) {
	out := make([]*Listing, 0, len(in.cfg.Roots))
	for _, root := range in.cfg.Roots {
		l, err := in.ListMatches(ctx, root.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (in *Inspector) token(path string) string {
	rel, err := filepath.Rel(in.cfg.InstallRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

// RetrieveFile validates relativePath and returns the file's content. Every
// call is audited under operator.
func (in *Inspector) RetrieveFile(ctx context.Context, relativePath, operator string) Retrieval {
	start := time.Now()
	if in.cfg.Retrieve.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.cfg.Retrieve.Timeout)
		defer cancel()
	}

	res := in.retrieve(ctx, relativePath)

	entry := &audit.Entry{
		Operator: operator,
		Action:   "retrieve",
		Path:     relativePath,
		Reason:   res.Reason,
	}
	outcome := metrics.OutcomeOK
	switch {
	case res.OK:
		entry.Result = audit.ResultAllowed
		entry.Bytes = len(res.Content)
	case res.Reason == ReasonInvalidPath:
		entry.Result = audit.ResultRejected
		outcome = metrics.OutcomeRejected
		logger.Info("retrieve %q by %s rejected: %v", relativePath, operator, res.err)
	default:
		entry.Result = audit.ResultFailed
		outcome = metrics.OutcomeFailed
		logger.Warn("retrieve %q by %s failed: %v", relativePath, operator, res.err)
	}
	if err := in.audit.Log(ctx, entry); err != nil {
		logger.Error("audit: %v", err)
	}
	in.metrics.RecordRetrieval(outcome, time.Since(start), len(res.Content))
	return res
}

func (in *Inspector) retrieve(ctx context.Context, relativePath string) Retrieval {
	vp, err := in.resolver.Resolve(relativePath)
	if err != nil {
		return Retrieval{Reason: ReasonInvalidPath, err: err}
	}
	if !in.suffixAllowed(filepath.Base(vp.Path)) {
		return Retrieval{Reason: ReasonInvalidPath, err: ErrSuffixNotAllowed}
	}

	content, err := in.resolver.Read(ctx, vp)
	if err != nil {
		return Retrieval{Reason: ReasonReadError, err: err}
	}
	return Retrieval{OK: true, Content: content}
}

func (in *Inspector) suffixAllowed(name string) bool {
	if len(in.suffixes) == 0 {
		return true
	}
	for _, s := range in.suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}
