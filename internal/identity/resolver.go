// Package identity turns user supplied community references into signed numeric owner ids.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ErrNotResolvable is returned when a reference cannot be mapped to an owner id.
var ErrNotResolvable = errors.New("reference not resolvable")

// AliasResolver resolves a screen name through the upstream API.
type AliasResolver interface {
	ResolveAlias(ctx context.Context, name string) (kind string, id int64, err error)
}

var (
	communityPattern = regexp.MustCompile(`^(club|public|event)(\d+)$`)
	userPattern      = regexp.MustCompile(`^id(\d+)$`)
	allowedChars     = regexp.MustCompile(`[^a-z0-9._-]+`)
)

// negatedKinds are alias kinds that live in the negative id space.
var negatedKinds = map[string]bool{
	"group": true,
	"page":  true,
	"event": true,
}

// Resolver normalizes references and falls back to alias resolution.
type Resolver struct {
	aliases AliasResolver
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]int64
}

// NewResolver creates a resolver. aliases may be nil, in which case aliases never resolve.
func NewResolver(aliases AliasResolver, logger *slog.Logger) *Resolver {
	return &Resolver{
		aliases: aliases,
		logger:  logger,
		cache:   make(map[string]int64),
	}
}

// Resolve maps a reference to a signed owner id. Communities are negative, users positive.
func (r *Resolver) Resolve(ctx context.Context, ref string) (int64, error) {
	norm := Normalize(ref)
	if norm == "" {
		return 0, fmt.Errorf("%w: empty reference %q", ErrNotResolvable, ref)
	}

	if m := communityPattern.FindStringSubmatch(norm); m != nil {
		id, err := parseID(m[2])
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrNotResolvable, ref, err)
		}
		return -id, nil
	}

	if m := userPattern.FindStringSubmatch(norm); m != nil {
		id, err := parseID(m[1])
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrNotResolvable, ref, err)
		}
		return id, nil
	}

	if digits := strings.TrimPrefix(norm, "-"); isDigits(digits) {
		id, err := strconv.ParseInt(norm, 10, 64)
		if err != nil || id == 0 {
			return 0, fmt.Errorf("%w: %q is not a valid id", ErrNotResolvable, ref)
		}
		return id, nil
	}

	return r.resolveAlias(ctx, norm)
}

func (r *Resolver) resolveAlias(ctx context.Context, name string) (int64, error) {
	r.mu.Lock()
	if id, ok := r.cache[name]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	if r.aliases == nil {
		return 0, fmt.Errorf("%w: no alias resolver for %q", ErrNotResolvable, name)
	}

	kind, id, err := r.aliases.ResolveAlias(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("%w: resolve alias %q: %v", ErrNotResolvable, name, err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: alias %q resolved to invalid id %d", ErrNotResolvable, name, id)
	}

	if negatedKinds[kind] {
		id = -id
	}

	r.mu.Lock()
	r.cache[name] = id
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Debug("resolved alias", "alias", name, "kind", kind, "owner_id", id)
	}

	return id, nil
}

// Normalize reduces a reference to its canonical lower-case token.
// It strips scheme and host, query, fragment and trailing path segments,
// percent-decodes and drops characters outside [a-z0-9._-].
func Normalize(ref string) string {
	value := strings.ToLower(strings.TrimSpace(ref))
	if value == "" {
		return ""
	}

	if i := strings.IndexAny(value, "?#"); i >= 0 {
		value = value[:i]
	}

	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(value, scheme) {
			value = strings.TrimPrefix(value, scheme)
			if i := strings.Index(value, "/"); i >= 0 {
				value = value[i+1:]
			} else {
				value = ""
			}
			break
		}
	}

	value = strings.Trim(value, "/")
	if i := strings.Index(value, "/"); i >= 0 {
		value = value[:i]
	}

	if decoded, err := url.PathUnescape(value); err == nil {
		value = strings.ToLower(decoded)
	}

	return allowedChars.ReplaceAllString(value, "")
}

func parseID(digits string) (int64, error) {
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, errors.New("zero id")
	}
	return id, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
