package sdk

import (
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// DefaultAddr is where a polycall server listens unless configured otherwise
const DefaultAddr = "127.0.0.1:7431"

// ConnOpenStrategy picks the address a call is sent to
type ConnOpenStrategy uint8

const (
	ConnOpenInOrder ConnOpenStrategy = iota
	ConnOpenRoundRobin
	ConnOpenRandom
)

func (s ConnOpenStrategy) String() string {
	switch s {
	case ConnOpenInOrder:
		return "in_order"
	case ConnOpenRoundRobin:
		return "round_robin"
	case ConnOpenRandom:
		return "random"
	default:
		return "unknown"
	}
}

func parseStrategy(s string) (ConnOpenStrategy, error) {
	switch strings.ToLower(s) {
	case "", "in_order":
		return ConnOpenInOrder, nil
	case "round_robin":
		return ConnOpenRoundRobin, nil
	case "random":
		return ConnOpenRandom, nil
	default:
		return 0, errors.Errorf("unknown connection strategy %q", s)
	}
}

// Options configure a Client
type Options struct {
	// Addr lists servers; with ConnOpenInOrder the first one that answers
	// is used
	Addr             []string
	ConnOpenStrategy ConnOpenStrategy

	// CallTimeout bounds each call, default 5 seconds
	CallTimeout time.Duration

	// DialOptions replace the default insecure credentials when set
	DialOptions []grpc.DialOption

	Logger *zap.Logger
}

// SetDefaults sets default values for options
func (o *Options) SetDefaults() *Options {
	if len(o.Addr) == 0 {
		o.Addr = []string{DefaultAddr}
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// ParseDSN parses polycall://host:port[,host:port]?timeout=2s&strategy=round_robin
func ParseDSN(dsn string) (*Options, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse dsn")
	}
	if u.Scheme != "polycall" {
		return nil, errors.New("invalid DSN format, must start with polycall://")
	}

	opt := &Options{}
	for _, addr := range strings.Split(u.Host, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			opt.Addr = append(opt.Addr, addr)
		}
	}

	query := u.Query()
	if v := query.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrap(err, "parse timeout")
		}
		opt.CallTimeout = d
	}
	if opt.ConnOpenStrategy, err = parseStrategy(query.Get("strategy")); err != nil {
		return nil, err
	}
	return opt, nil
}
