// Package backends resolves a configured backend name to a Dialer.
package backends

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"zkelect/pkg/coordination"
	"zkelect/pkg/coordination/etcd"
	"zkelect/pkg/coordination/memory"
	"zkelect/pkg/coordination/zookeeper"
)

const (
	ZooKeeper = "zookeeper"
	Etcd      = "etcd"
	Memory    = "memory"
)

// Names lists the supported backends.
func Names() []string {
	names := []string{ZooKeeper, Etcd, Memory}
	sort.Strings(names)
	return names
}

// Dialer returns the dialer for name. The memory backend is process-local,
// so every participant sharing it must share the returned Server.
func Dialer(name string, log *zap.Logger) (coordination.Dialer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch name {
	case ZooKeeper, "zk", "":
		return zookeeper.Dialer{Log: log}, nil
	case Etcd:
		return etcd.Dialer{Log: log}, nil
	case Memory:
		return memory.NewServer(), nil
	default:
		return nil, fmt.Errorf("unknown coordination backend %q (supported: %v)", name, Names())
	}
}
