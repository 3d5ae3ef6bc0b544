package builtin

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Func computes a value from its call arguments
type Func func(args []string) (string, error)

// Registry maps function names to implementations
type Registry struct {
	funcs map[string]Func
	now   func() time.Time
}

// Default is the registry scenario references resolve against
var Default = NewRegistry()

func NewRegistry() *Registry {
	r := &Registry{
		funcs: make(map[string]Func),
		now:   time.Now,
	}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.funcs["now"] = func([]string) (string, error) {
		return r.now().UTC().Format(time.RFC3339), nil
	}
	r.funcs["timestamp"] = func([]string) (string, error) {
		return strconv.FormatInt(r.now().Unix(), 10), nil
	}
	r.funcs["timestampMs"] = func([]string) (string, error) {
		return strconv.FormatInt(r.now().UnixMilli(), 10), nil
	}
	r.funcs["date"] = func(args []string) (string, error) {
		format := "2006-01-02"
		if len(args) >= 1 {
			format = args[0]
		}
		return r.now().UTC().Format(format), nil
	}
	r.funcs["uuid"] = func([]string) (string, error) {
		return uuid.New().String(), nil
	}
	r.funcs["random"] = funcRandom
	r.funcs["randomString"] = funcRandomString
	r.funcs["randomEmail"] = func([]string) (string, error) {
		return randomString(8, lower) + "@" + randomString(6, lower) + ".test", nil
	}
	r.funcs["base64"] = oneArg("base64", func(s string) (string, error) {
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	})
	r.funcs["sha256"] = oneArg("sha256", func(s string) (string, error) {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	})
	r.funcs["urlEncode"] = oneArg("urlEncode", func(s string) (string, error) {
		return url.QueryEscape(s), nil
	})
	r.funcs["env"] = oneArg("env", func(s string) (string, error) {
		v, ok := os.LookupEnv(s)
		if !ok {
			return "", fmt.Errorf("env(): %s is not set", s)
		}
		return v, nil
	})
}

// Register adds or replaces a function
func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

var callPattern = regexp.MustCompile(`^(\w+)\((.*)\)$`)

// Call evaluates an expression such as uuid() or random(1, 10). ok is false
// when expr is not a call to a registered function.
func (r *Registry) Call(expr string) (value string, ok bool, err error) {
	m := callPattern.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return "", false, nil
	}
	fn, found := r.funcs[m[1]]
	if !found {
		return "", false, nil
	}

	var args []string
	if m[2] != "" {
		args = parseArgs(m[2])
	}
	v, err := fn(args)
	if err != nil {
		return "", true, err
	}
	return v, true, nil
}

// parseArgs splits a comma separated argument list. Quoted arguments may
// contain commas.
func parseArgs(s string) []string {
	var args []string
	var current strings.Builder
	var quote byte

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote == 0 && (ch == '"' || ch == '\''):
			quote = ch
		case quote != 0 && ch == quote:
			quote = 0
		case quote == 0 && ch == ',':
			args = append(args, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}
	return append(args, strings.TrimSpace(current.String()))
}

func oneArg(name string, fn func(string) (string, error)) Func {
	return func(args []string) (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("%s() takes one argument, got %d", name, len(args))
		}
		return fn(args[0])
	}
}

func intArg(name string, args []string, i, def int) (int, error) {
	if len(args) <= i {
		return def, nil
	}
	v, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("%s(): argument %d: %q is not an integer", name, i+1, args[i])
	}
	return v, nil
}

func funcRandom(args []string) (string, error) {
	lo, err := intArg("random", args, 0, 0)
	if err != nil {
		return "", err
	}
	hi, err := intArg("random", args, 1, 100)
	if err != nil {
		return "", err
	}
	if hi < lo {
		return "", fmt.Errorf("random(): max %d is below min %d", hi, lo)
	}
	return strconv.Itoa(lo + rand.Intn(hi-lo+1)), nil
}

func funcRandomString(args []string) (string, error) {
	n, err := intArg("randomString", args, 0, 16)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("randomString(): negative length %d", n)
	}
	return randomString(n, alphanumeric), nil
}

const (
	lower        = "abcdefghijklmnopqrstuvwxyz"
	alphanumeric = lower + "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

func randomString(length int, charset string) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}
