package recipe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.home.luguber.info/inful/sitefarm/internal/errors"
	"git.home.luguber.info/inful/sitefarm/internal/logfields"
	"git.home.luguber.info/inful/sitefarm/internal/retry"
	"git.home.luguber.info/inful/sitefarm/internal/util/sets"
)

// includeKey is the reserved document key holding the include list.
const includeKey = "include"

// siteSuffix marks standalone site manifests discovered next to the root
// recipe (e.g. intranet.site.json declares site "intranet").
const siteSuffix = ".site.json"

// maxIncludeBytes caps how much of a remote include we are willing to read.
const maxIncludeBytes = 8 << 20

// Loader resolves a root recipe document and its transitive includes into
// one merged, validated Recipe. It is a pure function of the referenced
// documents: no side effects beyond file and network reads.
type Loader struct {
	client *http.Client
	policy retry.Policy
}

// NewLoader creates a loader with the given retry policy for remote
// includes. A nil client gets a default with a conservative timeout.
func NewLoader(client *http.Client, policy retry.Policy) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Loader{client: client, policy: policy}
}

// docRef is a canonicalized include reference: either an absolute local path
// or a normalized URL. Exactly one field is set.
type docRef struct {
	path string
	url  *url.URL
}

func (r docRef) String() string {
	if r.url != nil {
		return r.url.String()
	}
	return r.path
}

// resolveRef canonicalizes an include reference against the including
// document. Relative references resolve against the parent's directory (or
// URL); anything with an http(s) scheme becomes a remote reference.
func resolveRef(base docRef, raw string) (docRef, error) {
	u, err := url.Parse(raw)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return docRef{url: u}, nil
	}
	if err == nil && u.Scheme != "" && u.Scheme != "file" {
		return docRef{}, fmt.Errorf("unsupported include scheme %q", u.Scheme)
	}
	if base.url != nil {
		return docRef{url: base.url.ResolveReference(&url.URL{Path: raw})}, nil
	}
	p := raw
	if u != nil && u.Scheme == "file" {
		p = u.Path
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(filepath.Dir(base.path), p)
	}
	return docRef{path: filepath.Clean(p)}, nil
}

// Resolve loads the root document at rootPath, resolves all includes
// depth-first, discovers sibling *.site.json site manifests, and returns the
// merged, validated recipe.
func (l *Loader) Resolve(ctx context.Context, rootPath string) (*Recipe, error) {
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryRecipe, errors.SeverityFatal, "resolve recipe path")
	}
	root := docRef{path: abs}

	merged, err := l.resolveDocument(ctx, root, sets.New[string]())
	if err != nil {
		return nil, err
	}

	if err := l.discoverSites(ctx, filepath.Dir(abs), merged); err != nil {
		return nil, err
	}

	rec, err := decode(merged)
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	slog.Debug("Recipe resolved",
		logfields.Path(abs),
		slog.Int("projects", len(rec.Projects)),
		slog.Int("sites", len(rec.Sites)))
	return rec, nil
}

// resolveDocument fetches, parses, and recursively merges one document.
// inProgress holds the canonical identifiers currently being resolved on the
// include chain; revisiting one means the document transitively includes
// itself.
func (l *Loader) resolveDocument(ctx context.Context, ref docRef, inProgress sets.Set[string]) (map[string]any, error) {
	canonical := ref.String()
	if inProgress.Has(canonical) {
		return nil, errors.RecipeError("circular include").WithContext("include", canonical)
	}
	inProgress.Add(canonical)
	defer inProgress.Delete(canonical)

	doc, err := l.readDocument(ctx, ref)
	if err != nil {
		return nil, err
	}

	includes, err := includeList(doc)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryRecipe, errors.SeverityFatal, "invalid include list").WithContext("include", canonical)
	}
	delete(doc, includeKey)

	// Includes merge before the document's own keys so the including
	// document overrides what it pulled in.
	acc := map[string]any{}
	for _, inc := range includes {
		child, err := resolveRef(ref, inc)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryRecipe, errors.SeverityFatal, "resolve include reference").WithContext("include", inc)
		}
		slog.Debug("Resolving include", logfields.Include(child.String()))
		childDoc, err := l.resolveDocument(ctx, child, inProgress)
		if err != nil {
			return nil, err
		}
		mergeInto(acc, childDoc)
	}
	mergeInto(acc, doc)
	return acc, nil
}

// readDocument reads and parses one JSON document, local or remote.
func (l *Loader) readDocument(ctx context.Context, ref docRef) (map[string]any, error) {
	var data []byte
	var err error
	if ref.url != nil {
		data, err = l.get(ctx, ref.url)
	} else {
		data, err = os.ReadFile(ref.path)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryRecipe, errors.SeverityFatal, "unreachable include").WithContext("include", ref.String())
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.CategoryRecipe, errors.SeverityFatal, "malformed JSON").WithContext("include", ref.String())
	}
	return doc, nil
}

// get performs a GET with the loader's retry policy. Server-side and
// transport failures are retried; client errors are permanent.
func (l *Loader) get(ctx context.Context, u *url.URL) ([]byte, error) {
	var body []byte
	err := l.policy.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		resp, err := l.client.Do(req)
		if err != nil {
			return errors.WrapRetryable(err, errors.CategoryRecipe, errors.SeverityFatal, "include request failed")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("unexpected status %s", resp.Status)
			if resp.StatusCode >= 500 {
				return errors.WrapRetryable(err, errors.CategoryRecipe, errors.SeverityFatal, "include request failed")
			}
			return err
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxIncludeBytes))
		return err
	}, errors.IsRetryable)
	return body, err
}

// includeList extracts the include references from a parsed document.
func includeList(doc map[string]any) ([]string, error) {
	raw, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%q must be a list of references", includeKey)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("%q entries must be non-empty strings", includeKey)
		}
		out = append(out, s)
	}
	return out, nil
}

// discoverSites merges sibling <name>.site.json manifests into the merged
// tree's sites collection. Each site document runs through the same include
// machinery as the root, with its own include chain.
func (l *Loader) discoverSites(ctx context.Context, dir string, merged map[string]any) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+siteSuffix))
	if err != nil {
		return errors.Wrap(err, errors.CategoryRecipe, errors.SeverityFatal, "glob site manifests")
	}
	if len(matches) == 0 {
		return nil
	}
	sites, _ := merged["sites"].(map[string]any)
	if sites == nil {
		sites = map[string]any{}
		merged["sites"] = sites
	}
	for _, path := range matches {
		base := filepath.Base(path)
		name := strings.TrimSuffix(base, siteSuffix)
		doc, err := l.resolveDocument(ctx, docRef{path: path}, sets.New[string]())
		if err != nil {
			return err
		}
		slog.Debug("Discovered site manifest", logfields.Site(name), logfields.Path(path))
		entry, _ := sites[name].(map[string]any)
		if entry == nil {
			entry = map[string]any{}
			sites[name] = entry
		}
		mergeInto(entry, doc)
	}
	return nil
}
