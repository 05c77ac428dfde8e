package watch

import (
	"go.uber.org/zap"
)

// Observer is told about every change to the watched node and about every
// re-arming.
type Observer interface {
	NodeCreated(path string)
	NodeDeleted(path string)
	DataChanged(path string)
	ChildrenChanged(path string)
	Armed(snap Snapshot)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) NodeCreated(string)     {}
func (NopObserver) NodeDeleted(string)     {}
func (NopObserver) DataChanged(string)     {}
func (NopObserver) ChildrenChanged(string) {}
func (NopObserver) Armed(Snapshot)         {}

// LogObserver writes each notification and snapshot to a zap logger.
type LogObserver struct {
	Log *zap.Logger
}

func (o LogObserver) NodeCreated(path string) {
	o.Log.Info("node created", zap.String("path", path))
}

func (o LogObserver) NodeDeleted(path string) {
	o.Log.Info("node deleted", zap.String("path", path))
}

func (o LogObserver) DataChanged(path string) {
	o.Log.Info("node data changed", zap.String("path", path))
}

func (o LogObserver) ChildrenChanged(path string) {
	o.Log.Info("node children changed", zap.String("path", path))
}

func (o LogObserver) Armed(snap Snapshot) {
	if !snap.Exists {
		o.Log.Info("node absent, waiting for creation", zap.String("path", snap.Path))
		return
	}
	fields := []zap.Field{
		zap.String("path", snap.Path),
		zap.ByteString("data", snap.Data),
		zap.Strings("children", snap.Children),
	}
	if snap.Stat != nil {
		fields = append(fields,
			zap.Int32("version", snap.Stat.Version),
			zap.Int32("num_children", snap.Stat.NumChildren),
			zap.Int64("ephemeral_owner", snap.Stat.EphemeralOwner),
			zap.Time("mtime", snap.Stat.Mtime),
		)
	}
	o.Log.Info("watches armed", fields...)
}
