package settings

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"net"
	"slices"
	"strconv"
	"time"
)

type (
	// SecurityMaterial points at a PEM-encoded certificate and a private key. Both are read
	// once, when the server starts.
	SecurityMaterial struct {
		CertPath string `mapstructure:"cert_path"`
		KeyPath  string `mapstructure:"key_path"`
	}

	// AutoTLS enables TLS without providing certificates explicitly. When listening on a
	// loopback interface, a self-signed certificate is generated and cached. Otherwise,
	// certificates are requested from Let's Encrypt for the listed domains.
	AutoTLS struct {
		Domains []string `mapstructure:"domains"`
		// CacheDir stores the generated or obtained certificates. Defaults to the user's
		// cache directory.
		CacheDir string `mapstructure:"cache_dir"`
	}

	NET struct {
		// ReadBufferSize is a size of buffer in bytes which will be used to read from
		// socket
		ReadBufferSize int `mapstructure:"read_buffer_size"`
		// ReadTimeout controls the maximal lifetime of IDLE connections. If no data was
		// received in this period of time, it'll be closed.
		ReadTimeout time.Duration `mapstructure:"read_timeout"`
		// HandshakeTimeout limits the TLS handshake duration. Has no effect on plain
		// connections.
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	}

	Headers struct {
		// MaxNumber is the maximal number of request headers allowed to be presented.
		MaxNumber int `mapstructure:"max_number"`
		// MaxSpace limits the amount of memory occupied by request headers.
		MaxSpace int `mapstructure:"max_space"`
		// Default headers are headers to be included into every response implicitly, unless
		// explicitly overridden.
		Default map[string]string `mapstructure:"default"`
	}

	URL struct {
		// MaxLength limits the request line, including method and protocol.
		MaxLength int `mapstructure:"max_length"`
	}

	Body struct {
		// MaxSize describes the maximal size of a body, that can be processed. In order to
		// disable the limit, use the math.MaxUint64 value.
		MaxSize uint64 `mapstructure:"max_size"`
		// MaxChunkSize limits a single chunk when the chunked transfer encoding is used.
		MaxChunkSize int `mapstructure:"max_chunk_size"`
	}

	Shutdown struct {
		// GracePeriod bounds how long in-flight requests are awaited after the server
		// stopped accepting. Remaining connections are closed forcefully afterwards.
		GracePeriod time.Duration `mapstructure:"grace_period"`
	}
)

// Settings is the complete server configuration. It is consumed by value, so once passed to
// the server, modifying the original has no effect.
type Settings struct {
	Port      uint16            `mapstructure:"port"`
	Interface string            `mapstructure:"interface"`
	Security  *SecurityMaterial `mapstructure:"security"`
	AutoTLS   *AutoTLS          `mapstructure:"auto_tls"`
	NET       NET               `mapstructure:"net"`
	Headers   Headers           `mapstructure:"headers"`
	URL       URL               `mapstructure:"url"`
	Body      Body              `mapstructure:"body"`
	Shutdown  Shutdown          `mapstructure:"shutdown"`
}

const (
	DefaultPort      uint16 = 5000
	DefaultInterface        = "0.0.0.0"
)

// Default returns default settings. Those are initially well-balanced, however maximal defaults
// are pretty permitting.
func Default() Settings {
	return Settings{
		Port:      DefaultPort,
		Interface: DefaultInterface,
		NET: NET{
			ReadBufferSize:   4 * 1024,
			ReadTimeout:      90 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Headers: Headers{
			MaxNumber: 50,
			// 16kb must be enough even for extremely long cookies.
			MaxSpace: 16 * 1024,
			Default: map[string]string{
				"Server": "sofie",
			},
		},
		URL: URL{
			MaxLength: 16 * 1024,
		},
		Body: Body{
			MaxSize:      512 * 1024 * 1024, // 512 megabytes
			MaxChunkSize: math.MaxInt32,
		},
		Shutdown: Shutdown{
			GracePeriod: 30 * time.Second,
		},
	}
}

// Fill takes some settings and fills it with default values everywhere where it is not filled.
// The port is never touched, as 0 stands for an ephemeral port.
func Fill(original Settings) (modified Settings) {
	d := Default()

	original.Interface = customOrDefault(original.Interface, d.Interface)
	original.NET.ReadBufferSize = customOrDefault(original.NET.ReadBufferSize, d.NET.ReadBufferSize)
	original.NET.ReadTimeout = customOrDefault(original.NET.ReadTimeout, d.NET.ReadTimeout)
	original.NET.HandshakeTimeout = customOrDefault(original.NET.HandshakeTimeout, d.NET.HandshakeTimeout)
	original.Headers.MaxNumber = customOrDefault(original.Headers.MaxNumber, d.Headers.MaxNumber)
	original.Headers.MaxSpace = customOrDefault(original.Headers.MaxSpace, d.Headers.MaxSpace)
	original.URL.MaxLength = customOrDefault(original.URL.MaxLength, d.URL.MaxLength)
	original.Body.MaxSize = customOrDefault(original.Body.MaxSize, d.Body.MaxSize)
	original.Body.MaxChunkSize = customOrDefault(original.Body.MaxChunkSize, d.Body.MaxChunkSize)
	original.Shutdown.GracePeriod = customOrDefault(original.Shutdown.GracePeriod, d.Shutdown.GracePeriod)

	if original.Headers.Default == nil {
		original.Headers.Default = d.Headers.Default
	}

	return original.Clone()
}

// Clone returns a deep copy of the settings, so the copy shares no maps, slices or pointers
// with the original.
func (s Settings) Clone() Settings {
	s.Headers.Default = maps.Clone(s.Headers.Default)

	if s.Security != nil {
		security := *s.Security
		s.Security = &security
	}

	if s.AutoTLS != nil {
		autoTLS := *s.AutoTLS
		autoTLS.Domains = slices.Clone(autoTLS.Domains)
		s.AutoTLS = &autoTLS
	}

	return s
}

var (
	ErrNoInterface       = errors.New("network interface is not specified")
	ErrIncompleteTLS     = errors.New("both certificate and key paths must be specified")
	ErrConflictingTLS    = errors.New("security material and auto TLS are mutually exclusive")
	ErrBadLimit          = errors.New("limits must be positive")
	ErrBadInterfaceValue = errors.New("network interface must be an IP address or a hostname")
)

// Validate reports the first configuration error found.
func (s Settings) Validate() error {
	switch {
	case len(s.Interface) == 0:
		return ErrNoInterface
	case !validHost(s.Interface):
		return fmt.Errorf("%w: %q", ErrBadInterfaceValue, s.Interface)
	case s.Security != nil && s.AutoTLS != nil:
		return ErrConflictingTLS
	case s.Security != nil && (len(s.Security.CertPath) == 0 || len(s.Security.KeyPath) == 0):
		return ErrIncompleteTLS
	case s.NET.ReadBufferSize <= 0, s.NET.ReadTimeout <= 0, s.NET.HandshakeTimeout <= 0,
		s.Headers.MaxNumber <= 0, s.Headers.MaxSpace <= 0, s.URL.MaxLength <= 0,
		s.Body.MaxChunkSize <= 0, s.Shutdown.GracePeriod <= 0:
		return ErrBadLimit
	}

	return nil
}

// Addr renders the address to bind to, in a form of interface:port.
func (s Settings) Addr() string {
	return net.JoinHostPort(s.Interface, strconv.Itoa(int(s.Port)))
}

// Secure reports whether connections are going to be wrapped into TLS.
func (s Settings) Secure() bool {
	return s.Security != nil || s.AutoTLS != nil
}

// IsLocalhost reports whether the interface is a loopback one.
func (s Settings) IsLocalhost() bool {
	if s.Interface == "localhost" {
		return true
	}

	ip := net.ParseIP(s.Interface)
	return ip != nil && ip.IsLoopback()
}

func validHost(host string) bool {
	if net.ParseIP(host) != nil {
		return true
	}

	for _, c := range host {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
		default:
			return false
		}
	}

	return true
}

func customOrDefault[T comparable](custom, defaultVal T) T {
	var zero T
	if custom == zero {
		return defaultVal
	}

	return custom
}
