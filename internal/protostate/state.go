package protostate

import (
	"crypto/tls"
	"net/http"
	"net/http/cookiejar"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"
)

// State bundles every shared protocol cache. One instance is created at
// init and handed to the engine; the caches are safe for concurrent use.
type State struct {
	HSTS     *HSTS
	HPKP     *HPKP
	Cookies  http.CookieJar
	ETags    *lru.Cache[string, string]
	Sessions tls.ClientSessionCache

	hstsFile string
	hpkpFile string
}

// Files configures which sidecar files back the stores. Empty paths
// disable persistence for that store.
type Files struct {
	HSTS string
	HPKP string
}

func New(files Files) (*State, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	etags, err := lru.New[string, string](4096)
	if err != nil {
		return nil, err
	}
	return &State{
		HSTS:     NewHSTS(),
		HPKP:     NewHPKP(),
		Cookies:  jar,
		ETags:    etags,
		Sessions: tls.NewLRUClientSessionCache(64),
		hstsFile: files.HSTS,
		hpkpFile: files.HPKP,
	}, nil
}

// Load reads all enabled sidecar files concurrently.
func (s *State) Load() error {
	var g errgroup.Group
	if s.hstsFile != "" {
		g.Go(func() error { return s.HSTS.Load(s.hstsFile) })
	}
	if s.hpkpFile != "" {
		g.Go(func() error { return s.HPKP.Load(s.hpkpFile) })
	}
	return g.Wait()
}

// Save writes back every store that changed.
func (s *State) Save() error {
	var g errgroup.Group
	if s.hstsFile != "" {
		g.Go(func() error { return s.HSTS.Save(s.hstsFile) })
	}
	if s.hpkpFile != "" {
		g.Go(func() error { return s.HPKP.Save(s.hpkpFile) })
	}
	return g.Wait()
}
