package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Buffer0x7cd/wget2/internal/logging"
)

const maxIncludeDepth = 20

// Parse builds Options from config files, environment and the argument
// list, in that order of precedence.
func Parse(args []string) (*Options, error) {
	o := Defaults()

	// --config-file on the command line beats the default rc files, so
	// scan for it first
	cfgFile := ""
	for i := 0; i < len(args); i++ {
		if args[i] == "--config-file" && i+1 < len(args) {
			cfgFile = args[i+1]
		} else if v, ok := strings.CutPrefix(args[i], "--config-file="); ok {
			cfgFile = v
		}
	}

	if cfgFile != "" {
		if err := o.loadFile(cfgFile, 0); err != nil {
			return nil, err
		}
	} else {
		for _, f := range rcFiles() {
			if err := o.loadFile(f, 0); err != nil {
				return nil, err
			}
		}
	}

	if err := o.parseArgs(args); err != nil {
		return nil, err
	}
	o.Finalize()
	return o, nil
}

func rcFiles() []string {
	var files []string
	if f := os.Getenv("SYSTEM_WGET2RC"); f != "" {
		files = append(files, f)
	}
	if f := os.Getenv("WGET2RC"); f != "" {
		files = append(files, f)
	} else if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".wget2rc"))
	}
	return files
}

// loadFile reads a wget2rc-style file: "name = value" lines, '#'
// comments, trailing-backslash continuation, single/double quoting and
// an include directive.
func (o *Options) loadFile(fname string, depth int) error {
	if depth >= maxIncludeDepth {
		return fmt.Errorf("config include recursion at %s (depth %d)", fname, depth)
	}
	f, err := os.Open(fname)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var cont strings.Builder
	for sc.Scan() {
		line := sc.Text()
		if strings.HasSuffix(line, "\\") {
			cont.WriteString(strings.TrimSuffix(line, "\\"))
			continue
		}
		if cont.Len() > 0 {
			cont.WriteString(line)
			line = cont.String()
			cont.Reset()
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if inc, ok := strings.CutPrefix(line, "include "); ok {
			if err := o.loadFile(unquote(strings.TrimSpace(inc)), depth+1); err != nil {
				return err
			}
			continue
		}

		name, value, hasValue := strings.Cut(line, "=")
		name = strings.TrimSpace(name)
		if hasValue {
			value = unquote(strings.TrimSpace(value))
		}
		if err := o.set(name, value, hasValue); err != nil {
			return fmt.Errorf("%s: %w", fname, err)
		}
	}
	return sc.Err()
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// parseArgs consumes the command line: long options, single-letter
// bundles, the legacy -n cluster, and positional seed URLs.
func (o *Options) parseArgs(args []string) error {
	i := 0
	next := func(opt string) (string, error) {
		i++
		if i >= len(args) {
			return "", fmt.Errorf("missing value for %s", opt)
		}
		return args[i], nil
	}

	for ; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			o.Seeds = append(o.Seeds, args[i+1:]...)
			return nil

		case strings.HasPrefix(arg, "--"):
			name := arg[2:]
			value, hasValue := "", false
			if idx := strings.IndexByte(name, '='); idx >= 0 {
				name, value, hasValue = name[:idx], name[idx+1:], true
			}
			if !hasValue && needsValue(name) {
				v, err := next(arg)
				if err != nil {
					return err
				}
				value, hasValue = v, true
			}
			if err := o.set(name, value, hasValue); err != nil {
				return err
			}

		case arg == "-" || !strings.HasPrefix(arg, "-"):
			o.Seeds = append(o.Seeds, arg)

		case strings.HasPrefix(arg, "-n") && len(arg) > 2:
			// legacy -n{c,d,H,p,v} cluster
			for _, c := range arg[2:] {
				switch c {
				case 'c':
					o.NoClobber = true
				case 'd':
					o.NoDirectories = true
				case 'H':
					o.NoHostDirectories = true
				case 'p':
					o.NoParent = true
				case 'v':
					o.Verbose = false
				default:
					return fmt.Errorf("unknown option -n%c", c)
				}
			}

		default:
			// single-letter bundle: letters are flags until one takes a
			// value; it takes the rest of the argument (-l3), or the next
			// argument when it comes last
			for n, c := range arg[1:] {
				so, ok := shortOpts[c]
				if !ok {
					return fmt.Errorf("unknown option -%c", c)
				}
				if !so.hasArg {
					if err := o.set(so.long, "", false); err != nil {
						return err
					}
					continue
				}
				var v string
				if n < len(arg[1:])-1 {
					v = arg[2+n:] // -lN form
				} else {
					var err error
					if v, err = next(arg); err != nil {
						return err
					}
				}
				if err := o.set(so.long, v, true); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

type shortOpt struct {
	long   string
	hasArg bool
}

var shortOpts = map[rune]shortOpt{
	'r': {"recursive", false},
	'l': {"level", true},
	'p': {"page-requisites", false},
	'H': {"span-hosts", false},
	'D': {"domains", true},
	'A': {"accept", true},
	'R': {"reject", true},
	'O': {"output-document", true},
	'P': {"directory-prefix", true},
	'x': {"force-directories", false},
	'i': {"input-file", true},
	'U': {"user-agent", true},
	'k': {"convert-links", false},
	'K': {"backup-converted", false},
	'c': {"continue", false},
	'N': {"timestamping", false},
	'Q': {"quota", true},
	'B': {"base", true},
	'T': {"timeout", true},
	't': {"tries", true},
	'w': {"wait", true},
	'q': {"quiet", false},
	'v': {"verbose", false},
	'd': {"debug", false},
	'S': {"server-response", false},
}

// needsValue lists the long options that consume a following argument.
func needsValue(name string) bool {
	switch strings.TrimPrefix(name, "no-") {
	case "level", "domains", "exclude-domains", "accept", "reject",
		"accept-regex", "reject-regex", "regex-type", "output-document",
		"directory-prefix", "cut-dirs", "restrict-file-names", "input-file",
		"wait", "waitretry", "tries", "timeout", "dns-timeout",
		"connect-timeout", "read-timeout", "header", "user-agent", "user",
		"password", "post-data", "post-file", "ca-certificate",
		"ca-directory", "certificate", "private-key", "secure-protocol",
		"hsts-file", "hpkp-file", "chunk-size", "quota", "max-threads",
		"max-redirect", "http2-request-window", "base", "input-encoding",
		"local-encoding", "default-page", "backups", "config-file",
		"stats-format", "stats-file", "metrics-address", "max-memory",
		"plugin", "plugin-dirs", "plugin-opt", "local-plugin",
		"http2-only", "restrict-file-name":
		return true
	}
	return false
}

// set applies one option. Boolean options accept the --no- prefix and an
// optional on/off value.
func (o *Options) set(name, value string, hasValue bool) error {
	on := true
	if rest, ok := strings.CutPrefix(name, "no-"); ok {
		name, on = rest, false
	}
	if hasValue && !needsValue(name) {
		switch strings.ToLower(value) {
		case "off", "no", "false", "0":
			on = !on
		}
	}

	boolVal := func(dst *bool) error { *dst = on; return nil }
	intVal := func(dst *int) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("option %s: %w", name, err)
		}
		*dst = n
		return nil
	}
	secsVal := func(dst *time.Duration) error {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("option %s: %w", name, err)
		}
		*dst = time.Duration(f * float64(time.Second))
		return nil
	}
	listVal := func(dst *[]string) error {
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				*dst = append(*dst, v)
			}
		}
		return nil
	}

	switch name {
	case "recursive":
		return boolVal(&o.Recursive)
	case "level":
		if value == "inf" {
			o.Level = 0
			return nil
		}
		return intVal(&o.Level)
	case "page-requisites":
		return boolVal(&o.PageRequisites)
	case "parent":
		o.NoParent = !on
		return nil
	case "robots":
		return boolVal(&o.Robots)
	case "span-hosts":
		return boolVal(&o.SpanHosts)
	case "domains":
		return listVal(&o.Domains)
	case "exclude-domains":
		return listVal(&o.ExcludeDomains)
	case "accept":
		return listVal(&o.Accept)
	case "reject":
		return listVal(&o.Reject)
	case "accept-regex":
		o.AcceptRegex = append(o.AcceptRegex, value)
		return nil
	case "reject-regex":
		o.RejectRegex = append(o.RejectRegex, value)
		return nil
	case "regex-type":
		o.RegexType = value
		return nil
	case "ignore-case":
		return boolVal(&o.IgnoreCase)
	case "filter-urls":
		return boolVal(&o.FilterURLs)
	case "output-document":
		o.OutputDocument = value
		return nil
	case "directory-prefix":
		o.DirectoryPrefix = value
		return nil
	case "directories":
		o.NoDirectories = !on
		return nil
	case "host-directories":
		o.NoHostDirectories = !on
		return nil
	case "force-directories":
		return boolVal(&o.ForceDirectories)
	case "protocol-directories":
		return boolVal(&o.ProtocolDirs)
	case "cut-dirs":
		return intVal(&o.CutDirs)
	case "cut-file-get-vars":
		return boolVal(&o.CutFileGetVars)
	case "restrict-file-names":
		return listVal(&o.RestrictFileNames)
	case "default-page":
		o.DefaultPage = value
		return nil
	case "clobber":
		o.NoClobber = !on
		return nil
	case "backups":
		return intVal(&o.Backups)
	case "content-disposition":
		return boolVal(&o.ContentDisposition)
	case "input-file":
		o.InputFile = value
		return nil
	case "force-html":
		o.Force = ForceHTML
		return nil
	case "force-css":
		o.Force = ForceCSS
		return nil
	case "force-sitemap":
		o.Force = ForceSitemap
		return nil
	case "force-atom":
		o.Force = ForceAtom
		return nil
	case "force-rss":
		o.Force = ForceRSS
		return nil
	case "force-metalink":
		o.Force = ForceMetalink
		return nil
	case "base":
		o.Base = value
		return nil
	case "input-encoding":
		o.InputEncoding = value
		return nil
	case "local-encoding":
		o.LocalEncoding = value
		return nil
	case "wait":
		return secsVal(&o.Wait)
	case "random-wait":
		return boolVal(&o.RandomWait)
	case "waitretry":
		return secsVal(&o.WaitRetry)
	case "tries":
		return intVal(&o.Tries)
	case "timeout":
		if err := secsVal(&o.Timeout); err != nil {
			return err
		}
		o.DNSTimeout = o.Timeout
		o.ConnectTimeout = o.Timeout
		o.ReadTimeout = o.Timeout
		return nil
	case "dns-timeout":
		return secsVal(&o.DNSTimeout)
	case "connect-timeout":
		return secsVal(&o.ConnectTimeout)
	case "read-timeout":
		return secsVal(&o.ReadTimeout)
	case "header":
		o.Headers = append(o.Headers, value)
		return nil
	case "user-agent":
		o.UserAgent = value
		return nil
	case "user":
		o.HTTPUser = value
		return nil
	case "password":
		o.HTTPPassword = value
		return nil
	case "post-data":
		o.PostData = value
		return nil
	case "post-file":
		o.PostFile = value
		return nil
	case "cookies":
		return boolVal(&o.Cookies)
	case "keep-alive":
		return boolVal(&o.KeepAlive)
	case "max-redirect":
		return intVal(&o.MaxRedirect)
	case "http2":
		return boolVal(&o.HTTP2)
	case "http2-request-window":
		return intVal(&o.HTTP2RequestWindow)
	case "compression":
		return boolVal(&o.Compression)
	case "check-certificate":
		return boolVal(&o.CheckCertificate)
	case "ca-certificate":
		o.CAFile = value
		return nil
	case "ca-directory":
		o.CADirectory = value
		return nil
	case "certificate":
		o.Certificate = value
		return nil
	case "private-key":
		o.PrivateKey = value
		return nil
	case "secure-protocol":
		o.SecureProtocol = value
		return nil
	case "https-only":
		return boolVal(&o.HTTPSOnly)
	case "ocsp":
		return boolVal(&o.OCSP)
	case "hsts":
		return boolVal(&o.HSTS)
	case "hsts-file":
		o.HSTSFile = value
		return nil
	case "hpkp":
		return boolVal(&o.HPKP)
	case "hpkp-file":
		o.HPKPFile = value
		return nil
	case "spider":
		return boolVal(&o.Spider)
	case "convert-links":
		return boolVal(&o.ConvertLinks)
	case "backup-converted":
		return boolVal(&o.BackupConverted)
	case "mirror":
		return boolVal(&o.Mirror)
	case "continue":
		return boolVal(&o.Continue)
	case "timestamping":
		return boolVal(&o.Timestamping)
	case "use-server-timestamps":
		return boolVal(&o.UseServerTimestamps)
	case "chunk-size":
		n, err := ParseSize(value)
		if err != nil {
			return fmt.Errorf("option chunk-size: %w", err)
		}
		o.ChunkSize = n
		return nil
	case "metalink":
		return boolVal(&o.Metalink)
	case "xattr":
		return boolVal(&o.Xattr)
	case "quota":
		n, err := ParseSize(value)
		if err != nil {
			return fmt.Errorf("option quota: %w", err)
		}
		o.Quota = n
		return nil
	case "max-threads":
		return intVal(&o.MaxThreads)
	case "max-memory":
		n, err := ParseSize(value)
		if err != nil {
			return fmt.Errorf("option max-memory: %w", err)
		}
		o.MaxMemory = n
		return nil
	case "stats-format":
		o.StatsFormat = value
		return nil
	case "stats-file":
		o.StatsFile = value
		return nil
	case "stats-all":
		// --stats-all[=[FORMAT:]FILE]
		if hasValue {
			if fmtPart, file, ok := strings.Cut(value, ":"); ok {
				o.StatsFormat, o.StatsFile = fmtPart, file
			} else {
				o.StatsFile = value
			}
		}
		if o.StatsFormat == "" {
			o.StatsFormat = "human"
		}
		return nil
	case "metrics-address":
		o.MetricsAddress = value
		return nil
	case "verbose":
		return boolVal(&o.Verbose)
	case "quiet":
		return boolVal(&o.Quiet)
	case "debug":
		return boolVal(&o.Debug)
	case "config-file":
		o.ConfigFile = value
		return nil
	case "server-response":
		return nil // accepted, log output covers it
	case "plugin", "plugin-dirs", "plugin-opt", "local-plugin":
		logging.Infof("option --%s accepted but plugins are not supported in this build", name)
		return nil
	}
	return fmt.Errorf("unknown option --%s", name)
}

// ParseSize parses values like "1024", "512k", "10M", "2G".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" || s == "inf" {
		return 0, nil
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult, s = 1<<10, s[:len(s)-1]
	case 'm', 'M':
		mult, s = 1<<20, s[:len(s)-1]
	case 'g', 'G':
		mult, s = 1<<30, s[:len(s)-1]
	case 't', 'T':
		mult, s = 1<<40, s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
