package coordination

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
)

// SequenceWidth is the zero-padded width of service-assigned suffixes.
const SequenceWidth = 10

// SequentialName appends a zero-padded sequence number to prefix.
func SequentialName(prefix string, seq int64) string {
	return fmt.Sprintf("%s%0*d", prefix, SequenceWidth, seq)
}

// SequenceOf extracts the trailing decimal suffix of name.
func SequenceOf(name string) (int64, bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0, false
	}
	seq, err := strconv.ParseInt(name[i:], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// SortSequential orders sibling names by their sequence suffix. Names without
// a suffix sort after those with one; ties fall back to lexicographic order.
func SortSequential(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return lessSequential(names[i], names[j])
	})
}

func lessSequential(a, b string) bool {
	sa, oka := SequenceOf(a)
	sb, okb := SequenceOf(b)
	switch {
	case oka && okb && sa != sb:
		return sa < sb
	case oka != okb:
		return oka
	default:
		return a < b
	}
}

// Join builds a child path under parent.
func Join(parent, child string) string {
	return path.Join(parent, child)
}

// Base returns the last element of p.
func Base(p string) string {
	return path.Base(p)
}

// Validate checks that p is an absolute, clean node path.
func Validate(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("invalid path %q: must be absolute", p)
	}
	if p != "/" && strings.HasSuffix(p, "/") {
		return fmt.Errorf("invalid path %q: trailing slash", p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("invalid path %q: not clean", p)
	}
	return nil
}

// EnsurePath creates p and any missing ancestors as persistent empty nodes.
// Nodes that already exist are left alone.
func EnsurePath(ctx context.Context, c Client, p string) error {
	if err := Validate(p); err != nil {
		return err
	}
	if p == "/" {
		return nil
	}
	stat, err := c.Exists(ctx, p)
	if err != nil {
		return err
	}
	if stat != nil {
		return nil
	}

	name := ""
	for _, part := range strings.Split(p[1:], "/") {
		name += "/" + part
		_, err := c.Create(ctx, name, nil, Persistent)
		if err != nil && !IsNodeExists(err) {
			return err
		}
	}
	return nil
}
