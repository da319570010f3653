// Package blocklist loads hosts-format block lists into an immutable set of domain names.
package blocklist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fosrl/dnshole/logger"
)

// sinkAddress is the only address whose entries count as blocking entries.
const sinkAddress = "127.0.0.1"

const fetchTimeout = 30 * time.Second

// ErrFetch means a remote list could not be downloaded. Unlike a missing file
// or a rejected request it usually clears up once the network is back.
var ErrFetch = errors.New("blocklist fetch failed")

// HostSet is a read-only set of lowercase domain names without a trailing dot.
// It is safe for concurrent reads and is never mutated after Load returns.
type HostSet struct {
	hosts map[string]struct{}
}

// Contains reports whether name is blocked. name must already be lowercase
// and carry no trailing dot; matching is exact, subdomains are not covered.
func (s HostSet) Contains(name string) bool {
	_, ok := s.hosts[name]
	return ok
}

// Len returns the number of blocked names.
func (s HostSet) Len() int {
	return len(s.hosts)
}

// Equal reports whether both sets hold exactly the same names.
func (s HostSet) Equal(other HostSet) bool {
	if len(s.hosts) != len(other.hosts) {
		return false
	}
	for h := range s.hosts {
		if _, ok := other.hosts[h]; !ok {
			return false
		}
	}
	return true
}

// NewHostSet builds a set from already normalized names. Mostly useful in tests.
func NewHostSet(names ...string) HostSet {
	s := HostSet{hosts: make(map[string]struct{}, len(names))}
	for _, n := range names {
		s.hosts[strings.ToLower(n)] = struct{}{}
	}
	return s
}

// Load parses every source in order. A read failure on any source aborts the
// whole load.
func Load(sources ...io.Reader) (HostSet, error) {
	set := HostSet{hosts: make(map[string]struct{})}
	for i, src := range sources {
		if _, err := parseInto(set.hosts, src); err != nil {
			return HostSet{}, fmt.Errorf("blocklist source %d: %w", i, err)
		}
	}
	return set, nil
}

// LoadFiles loads local host files and http(s) URLs. Failure to open or read
// any of them is returned and no partial set is produced.
func LoadFiles(ctx context.Context, paths ...string) (HostSet, error) {
	set := HostSet{hosts: make(map[string]struct{})}
	for _, path := range paths {
		count, err := loadPath(ctx, set.hosts, path)
		if err != nil {
			return HostSet{}, err
		}
		logger.Info("blocklist: loaded %d entries from %s", count, path)
	}
	logger.Info("blocklist: %d blocked hosts", set.Len())
	return set, nil
}

func loadPath(ctx context.Context, hosts map[string]struct{}, path string) (int, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return fetchInto(ctx, hosts, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open blocklist: %w", err)
	}
	defer f.Close()

	count, err := parseInto(hosts, f)
	if err != nil {
		return 0, fmt.Errorf("failed to read blocklist %s: %w", path, err)
	}
	return count, nil
}

func fetchInto(ctx context.Context, hosts map[string]struct{}, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("invalid blocklist url %s: %w", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrFetch, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("failed to fetch blocklist %s: status %d", url, resp.StatusCode)
	}

	count, err := parseInto(hosts, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: reading %s: %w", ErrFetch, url, err)
	}
	return count, nil
}

// parseInto adds every blocking entry of r to hosts and returns how many
// entries were seen (duplicates included).
func parseInto(hosts map[string]struct{}, r io.Reader) (int, error) {
	count := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		host, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		hosts[host] = struct{}{}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}
	return count, nil
}

// parseLine returns the blocked host of a "127.0.0.1 host" line.
func parseLine(line string) (string, bool) {
	s := strings.Trim(strings.TrimRight(line, "\r"), " ")
	if s == "" || s[0] == '#' {
		return "", false
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t'
	})
	if len(fields) != 2 || fields[0] != sinkAddress {
		return "", false
	}
	return strings.ToLower(fields[1]), true
}
