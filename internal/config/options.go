// Package config holds the full option surface and the parsers for the
// command line and wget2rc-style config files.
package config

import (
	"time"
)

// ForceMode selects how input files / seed bodies are interpreted.
type ForceMode int

const (
	ForceNone ForceMode = iota
	ForceHTML
	ForceCSS
	ForceSitemap
	ForceAtom
	ForceRSS
	ForceMetalink
)

// Options is the merged result of config files, environment and command
// line. One value is built at init and passed explicitly to every
// subsystem.
type Options struct {
	// input
	Seeds         []string
	InputFile     string // -i, "-" for stdin
	Force         ForceMode
	Base          string
	InputEncoding string
	LocalEncoding string

	// recursion
	Recursive      bool
	Level          int // 0 = unlimited
	PageRequisites bool
	NoParent       bool
	Robots         bool

	// host scope
	SpanHosts      bool
	Domains        []string
	ExcludeDomains []string

	// acceptance
	Accept      []string
	Reject      []string
	AcceptRegex []string
	RejectRegex []string
	RegexType   string // "posix" or "pcre"
	IgnoreCase  bool
	FilterURLs  bool

	// output
	OutputDocument     string // -O
	DirectoryPrefix    string // -P
	NoDirectories      bool   // -nd
	NoHostDirectories  bool   // -nH
	ForceDirectories   bool   // -x
	ProtocolDirs       bool
	CutDirs            int
	CutFileGetVars     bool
	RestrictFileNames  []string
	DefaultPage        string
	NoClobber          bool
	Backups            int
	ContentDisposition bool

	// timing
	Wait           time.Duration
	RandomWait     bool
	WaitRetry      time.Duration
	Tries          int
	Timeout        time.Duration
	DNSTimeout     time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// HTTP
	Headers            []string // "Name: Value"
	UserAgent          string
	HTTPUser           string
	HTTPPassword       string
	PostData           string
	PostFile           string
	Cookies            bool
	KeepAlive          bool
	MaxRedirect        int
	HTTP2              bool
	HTTP2RequestWindow int
	Compression        bool

	// HTTPS
	CheckCertificate bool
	CAFile           string
	CADirectory      string
	Certificate      string
	PrivateKey       string
	SecureProtocol   string
	HTTPSOnly        bool
	OCSP             bool
	HSTS             bool
	HSTSFile         string
	HPKP             bool
	HPKPFile         string

	// features
	Spider              bool
	ConvertLinks        bool
	BackupConverted     bool
	Mirror              bool
	Continue            bool
	Timestamping        bool
	UseServerTimestamps bool
	ChunkSize           int64
	Metalink            bool
	Xattr               bool
	Quota               int64 // bytes, 0 = unlimited
	MaxThreads          int
	MaxMemory           int64 // in-memory body cap for parser input

	// stats / observability
	StatsFormat    string
	StatsFile      string
	MetricsAddress string // optional prometheus endpoint

	// verbosity
	Verbose bool
	Quiet   bool
	Debug   bool

	// misc
	ConfigFile string
}

// Defaults mirror the original tool's built-in settings.
func Defaults() *Options {
	return &Options{
		Level:               5,
		Robots:              true,
		Tries:               20,
		WaitRetry:           10 * time.Second,
		Timeout:             -1, // unset
		UserAgent:           "wget2/0.1",
		Cookies:             true,
		KeepAlive:           true,
		MaxRedirect:         10,
		HTTP2:               true,
		HTTP2RequestWindow:  30,
		Compression:         true,
		CheckCertificate:    true,
		HSTS:                true,
		HPKP:                true,
		UseServerTimestamps: true,
		Metalink:            true,
		MaxThreads:          5,
		MaxMemory:           10 << 20,
		RegexType:           "pcre",
		Verbose:             true,
	}
}

// Finalize applies cross-option implications after parsing.
func (o *Options) Finalize() {
	if o.Mirror {
		o.Recursive = true
		o.Timestamping = true
		o.Level = 0
	}
	if o.Timestamping && o.NoClobber {
		o.NoClobber = false
	}
	if o.BackupConverted {
		o.ConvertLinks = true
	}
	if o.Spider {
		// nothing is saved, HEAD is enough unless parsing is needed
	}
}
