// Package hostlist reads and writes the plain-text host listing file: three
// ordered sections of addresses, one per line, rewritten wholesale on every
// registry sync. The format is deliberately dumb so operators can inspect or
// hand-edit it; hand-added addresses land in the manual section on the next
// sync and survive until an explicit clean.
package hostlist

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// Section headers, in file order. These are part of the on-disk format; do
// not localize or reword them.
const (
	HeaderKey      = "# SSH KEY saved connections IPS"
	HeaderPassword = "# SSH PASSWORD saved connections IPS"
	HeaderManual   = "# MANUAL HOST ENTRIES"
)

// Listing is the parsed content of a host listing file.
type Listing struct {
	// Key holds addresses backed by at least one key credential.
	Key []string
	// Password holds addresses backed only by password credentials.
	Password []string
	// Manual holds addresses with no current backing credential. They are
	// retained across syncs and removed only by an explicit clean.
	Manual []string
}

// All returns every address across the three sections, deduplicated,
// preserving section order.
func (l Listing) All() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(l.Key)+len(l.Password)+len(l.Manual))
	for _, sec := range [][]string{l.Key, l.Password, l.Manual} {
		for _, a := range sec {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

// Contains reports whether addr appears in any section.
func (l Listing) Contains(addr string) bool {
	addr = strings.TrimSpace(addr)
	for _, a := range l.All() {
		if a == addr {
			return true
		}
	}
	return false
}

// Render serializes the listing. Sections appear in fixed order, each sorted,
// blank-line separated. Rendering the same listing twice yields identical
// bytes, which is what makes sync idempotent.
func Render(l Listing) []byte {
	var buf bytes.Buffer
	writeSection(&buf, HeaderKey, l.Key)
	buf.WriteByte('\n')
	writeSection(&buf, HeaderPassword, l.Password)
	buf.WriteByte('\n')
	writeSection(&buf, HeaderManual, l.Manual)
	return buf.Bytes()
}

func writeSection(buf *bytes.Buffer, header string, addrs []string) {
	fmt.Fprintln(buf, header)
	for _, a := range dedupeSorted(addrs) {
		fmt.Fprintln(buf, a)
	}
}

// Parse reads a listing. Unknown comment lines are ignored; address lines
// before the first known header are treated as manual entries so a
// hand-written file without headers still round-trips.
func Parse(data []byte) (Listing, error) {
	var l Listing
	target := &l.Manual

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		switch line {
		case HeaderKey:
			target = &l.Key
			continue
		case HeaderPassword:
			target = &l.Password
			continue
		case HeaderManual:
			target = &l.Manual
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		*target = append(*target, line)
	}
	if err := sc.Err(); err != nil {
		return Listing{}, fmt.Errorf("scan listing: %w", err)
	}
	l.Key = dedupeSorted(l.Key)
	l.Password = dedupeSorted(l.Password)
	l.Manual = dedupeSorted(l.Manual)
	return l, nil
}

func dedupeSorted(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
