// Package filterlist implements the Filter-List Manager of §4.E: it keeps
// the set of active bundles, fetches and reparses them on a jittered
// schedule or local file-watch, and republishes the compiled Rule Index by
// atomic handle swap without disturbing in-flight requests.
package filterlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stamatisl/privaxy/framework/log"
	"github.com/stamatisl/privaxy/internal/filterparser"
	"github.com/stamatisl/privaxy/internal/perror"
	"github.com/stamatisl/privaxy/internal/ruleindex"
)

// Source is where a bundle's raw text comes from.
type Source struct {
	ID       string
	URL      string // remote source; empty if Path is a local file
	Path     string // local file source; empty if URL is remote
	Enabled  bool
}

// bundleState is the Manager's private bookkeeping for one Source, separate
// from the compiled rules so reparsing never blocks a lookup.
type bundleState struct {
	src          Source
	etag         string
	lastModified string
	lastFetched  time.Time
	backoff      time.Duration
	rawPath      string // cache path under config-dir/filters/<id>.txt
	metaPath     string
}

// Manager owns the active bundle set and republishes a ruleindex.Store.
type Manager struct {
	mu      sync.Mutex
	bundles map[string]*bundleState
	order   []string // AddSource registration order; Rebuild compiles bundles in it, which breaks resolution ties

	store      *ruleindex.Store
	cacheDir   string
	refresh    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
	log        log.Logger

	watcher *fsnotify.Watcher
}

const (
	minBackoff = time.Minute
	maxBackoff = time.Hour
)

// NewManager constructs a Manager that persists bundle caches under
// cacheDir (config-dir/filters), refetching remote sources every refresh
// interval (jittered +/-10%, per §4.E).
func NewManager(cacheDir string, refresh time.Duration, logger log.Logger) (*Manager, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Manager{
		bundles:    make(map[string]*bundleState),
		store:      ruleindex.NewStore(nil),
		cacheDir:   cacheDir,
		refresh:    refresh,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 4), // paces outbound fetches
		httpClient: &http.Client{Timeout: 60 * time.Second},     // fetch timeout per §5
		log:        logger,
		watcher:    w,
	}, nil
}

// Store returns the published Rule Index handle.
func (m *Manager) Store() *ruleindex.Store { return m.store }

// List returns the active bundle sources in their resolution order, for the
// management API's GET /api/filters.
func (m *Manager) List() []Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Source, 0, len(m.order))
	for _, id := range m.order {
		if bs, ok := m.bundles[id]; ok {
			out = append(out, bs.src)
		}
	}
	return out
}

// AddSource registers a bundle source, loading its cached fetch metadata
// (etag, last-modified, last-fetched) from disk immediately; the body itself
// is read by Rebuild. Call Rebuild afterwards (or Start, which does so) to publish
// it in the index.
func (m *Manager) AddSource(src Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bs := &bundleState{
		src:      src,
		rawPath:  filepath.Join(m.cacheDir, src.ID+".txt"),
		metaPath: filepath.Join(m.cacheDir, src.ID+".meta"),
	}
	loadMeta(bs)
	m.bundles[src.ID] = bs
	m.order = append(m.order, src.ID)

	if src.Path != "" {
		if err := m.watcher.Add(src.Path); err != nil {
			m.log.Error("filterlist: failed to watch local bundle", err, "bundle", src.ID)
		}
	}
	return nil
}

// RemoveSource drops a bundle from the active set; callers must call
// Rebuild to republish the index without it.
func (m *Manager) RemoveSource(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bs, ok := m.bundles[id]; ok && bs.src.Path != "" {
		m.watcher.Remove(bs.src.Path)
	}
	delete(m.bundles, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Start performs the initial load/compile and launches the background
// refresh scheduler and local file watcher. It returns once the first
// Rule Index generation has been published.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, id := range ids {
		m.loadCachedBody(id)
	}
	m.Rebuild()

	go m.refreshLoop(ctx)
	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) loadCachedBody(id string) {
	m.mu.Lock()
	bs, ok := m.bundles[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	path := bs.src.Path
	if path == "" {
		path = bs.rawPath
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	m.log.DebugMsg("filterlist: loaded cached bundle", "bundle", id, "path", path)
}

// Rebuild reparses every bundle's current on-disk body and republishes a
// fresh Rule Index generation by atomic swap. It runs off-path: callers
// continue to use the old index until this returns.
func (m *Manager) Rebuild() {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	states := make(map[string]*bundleState, len(ids))
	for k, v := range m.bundles {
		states[k] = v
	}
	m.mu.Unlock()

	b := ruleindex.NewBuilder()
	total := 0
	for _, id := range ids {
		bs := states[id]
		if bs == nil || !bs.src.Enabled {
			continue
		}
		path := bs.src.Path
		if path == "" {
			path = bs.rawPath
		}
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		res := filterparser.Parse(f, id)
		f.Close()
		for _, nr := range res.Network {
			b.AddNetwork(nr)
		}
		for _, cr := range res.Cosmetic {
			b.AddCosmetic(cr)
		}
		for _, pe := range res.Errors {
			m.log.Msg("filterlist: parse error", "bundle", id, "line", pe.Line, "reason", pe.Reason)
		}
		total += len(res.Network) + len(res.Cosmetic)
	}

	snap := b.Build()
	m.store.Swap(snap)
	m.log.Printf("filterlist: rule index rebuilt, %d rules across %d bundles", total, len(ids))
}

func (m *Manager) refreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.nextInterval()):
		}
		m.refreshAll(ctx)
	}
}

func (m *Manager) nextInterval() time.Duration {
	jitter := 0.9 + 0.2*rand.Float64() // +/-10%
	return time.Duration(float64(m.refresh) * jitter)
}

// refreshAll fetches every enabled remote bundle concurrently, rate-limited
// by m.limiter, and republishes the index once if any bundle actually
// changed. A fetch failure is logged and does not cancel its siblings.
func (m *Manager) refreshAll(ctx context.Context) {
	m.mu.Lock()
	var remote []*bundleState
	for _, bs := range m.bundles {
		if bs.src.URL != "" && bs.src.Enabled {
			remote = append(remote, bs)
		}
	}
	m.mu.Unlock()

	var mu sync.Mutex
	changed := false

	g, gctx := errgroup.WithContext(ctx)
	for _, bs := range remote {
		bs := bs
		g.Go(func() error {
			if err := m.limiter.Wait(gctx); err != nil {
				return nil
			}
			c, err := m.fetchOne(gctx, bs)
			if err != nil {
				m.log.Error("filterlist: fetch failed, keeping previous bundle", perror.New(perror.FilterFetch, err), "bundle", bs.src.ID)
				return nil
			}
			if c {
				mu.Lock()
				changed = true
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if changed {
		m.Rebuild()
	}
}

// fetchOne issues a conditional GET for one remote source (§4.E): 200
// replaces the body and reparses, 304 only touches last-fetched-at, other
// failures retry with exponential backoff while keeping the previous
// version live.
func (m *Manager) fetchOne(ctx context.Context, bs *bundleState) (changed bool, err error) {
	if bs.backoff > 0 && time.Since(bs.lastFetched) < bs.backoff {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bs.src.URL, nil)
	if err != nil {
		return false, err
	}
	if bs.etag != "" {
		req.Header.Set("If-None-Match", bs.etag)
	}
	if bs.lastModified != "" {
		req.Header.Set("If-Modified-Since", bs.lastModified)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.bumpBackoff(bs)
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		bs.lastFetched = time.Now()
		bs.backoff = 0
		m.saveMeta(bs)
		return false, nil

	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			m.bumpBackoff(bs)
			return false, err
		}
		if err := os.WriteFile(bs.rawPath, body, 0o644); err != nil {
			return false, err
		}
		bs.etag = resp.Header.Get("ETag")
		bs.lastModified = resp.Header.Get("Last-Modified")
		bs.lastFetched = time.Now()
		bs.backoff = 0
		m.saveMeta(bs)
		return true, nil

	default:
		m.bumpBackoff(bs)
		return false, fmt.Errorf("filterlist: unexpected status %d fetching %s", resp.StatusCode, bs.src.URL)
	}
}

func (m *Manager) bumpBackoff(bs *bundleState) {
	bs.lastFetched = time.Now()
	if bs.backoff == 0 {
		bs.backoff = minBackoff
	} else {
		bs.backoff *= 2
		if bs.backoff > maxBackoff {
			bs.backoff = maxBackoff
		}
	}
}

func (m *Manager) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				m.log.DebugMsg("filterlist: local bundle changed", "path", ev.Name)
				m.Rebuild()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Error("filterlist: watch error", err)
		}
	}
}

func (m *Manager) saveMeta(bs *bundleState) {
	content := fmt.Sprintf("etag=%s\nlast_modified=%s\nlast_fetched=%s\n",
		bs.etag, bs.lastModified, bs.lastFetched.Format(time.RFC3339))
	if err := os.WriteFile(bs.metaPath, []byte(content), 0o644); err != nil {
		m.log.Error("filterlist: failed to persist bundle metadata", err, "bundle", bs.src.ID)
	}
}

func loadMeta(bs *bundleState) {
	data, err := os.ReadFile(bs.metaPath)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "etag":
			bs.etag = v
		case "last_modified":
			bs.lastModified = v
		case "last_fetched":
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				bs.lastFetched = t
			}
		}
	}
}

// ErrUnknownBundle is the error value for an unknown bundle id. The Manager
// does not return it: RemoveSource on an unknown id is a no-op, and the
// management API answers DELETE of an unknown id with 204.
var ErrUnknownBundle = errors.New("filterlist: unknown bundle")
