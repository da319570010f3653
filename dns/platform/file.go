package platform

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/fosrl/dnshole/logger"
)

const (
	fileHeader   = "# Generated by dnshole, original saved to "
	backupSuffix = ".dnshole"
)

// File rewrites a resolv.conf directly. The original content is kept next to
// it so it can be put back even after a crash.
type File struct {
	path   string
	backup string

	mu      sync.Mutex
	applied bool
}

// NewFile creates a configurator for the resolv.conf at path and restores a
// backup left behind by an earlier unclean shutdown.
func NewFile(path string) *File {
	f := &File{path: path, backup: path + backupSuffix}
	if err := f.cleanupUncleanShutdown(); err != nil {
		logger.Warn("dns: failed to restore %s from %s: %v", f.path, f.backup, err)
	}
	return f
}

func (f *File) Name() string {
	return "file"
}

// SetDNS writes servers as the only nameservers, keeping every other line.
func (f *File) SetDNS(servers []netip.Addr) ([]netip.Addr, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no DNS servers provided")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	original, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}

	if !f.applied {
		if err := os.WriteFile(f.backup, original, 0644); err != nil {
			return nil, fmt.Errorf("back up %s: %w", f.path, err)
		}
	}

	replaced, rest := splitNameservers(original)

	var buf bytes.Buffer
	buf.WriteString(fileHeader + f.backup + "\n")
	for _, server := range servers {
		fmt.Fprintf(&buf, "nameserver %s\n", server)
	}
	buf.Write(rest)

	if err := os.WriteFile(f.path, buf.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("write %s: %w", f.path, err)
	}
	f.applied = true
	return replaced, nil
}

// RestoreDNS puts the saved resolv.conf back.
func (f *File) RestoreDNS() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.applied {
		return nil
	}
	if err := f.restore(); err != nil {
		return err
	}
	f.applied = false
	return nil
}

func (f *File) cleanupUncleanShutdown() error {
	if _, err := os.Stat(f.backup); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	current, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	// Someone else rewrote the file since; the backup is stale.
	if !bytes.HasPrefix(current, []byte(fileHeader)) {
		return os.Remove(f.backup)
	}

	logger.Info("dns: restoring %s left over from a previous run", f.path)
	return f.restore()
}

func (f *File) restore() error {
	original, err := os.ReadFile(f.backup)
	if err != nil {
		return fmt.Errorf("read backup %s: %w", f.backup, err)
	}
	if err := os.WriteFile(f.path, original, 0644); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	return os.Remove(f.backup)
}

// splitNameservers separates the nameserver entries of a resolv.conf from
// the remaining lines. Our own header line is dropped.
func splitNameservers(content []byte) ([]netip.Addr, []byte) {
	var (
		servers []netip.Addr
		rest    bytes.Buffer
	)

	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, fileHeader) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "nameserver" {
			if addr, err := netip.ParseAddr(fields[1]); err == nil {
				servers = append(servers, addr)
			}
			continue
		}
		rest.WriteString(line)
		rest.WriteByte('\n')
	}
	return servers, rest.Bytes()
}
