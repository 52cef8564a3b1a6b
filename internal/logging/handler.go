package logging

import (
	"context"
	"log/slog"
)

// handler adapts a Service stream to the slog.Handler interface so all
// components keep logging through *slog.Logger.
type handler struct {
	svc      *Service
	stream   string
	instance string // non-empty for per-instance streams
	kind     string // "operations" or "monitoring" when instance is set
	attrs    []slog.Attr
	group    string
}

// System returns a logger writing to the system stream.
func (s *Service) System() *slog.Logger {
	return slog.New(&handler{svc: s, stream: StreamSystem})
}

// Operations returns a logger writing to the business-operations stream.
func (s *Service) Operations() *slog.Logger {
	return slog.New(&handler{svc: s, stream: StreamOperations})
}

// Monitoring returns a logger writing to the business-monitoring stream.
func (s *Service) Monitoring() *slog.Logger {
	return slog.New(&handler{svc: s, stream: StreamMonitoring})
}

// InstanceOperations returns a logger writing to an instance's operations
// stream.
func (s *Service) InstanceOperations(instanceID string) *slog.Logger {
	return slog.New(&handler{svc: s, instance: instanceID, kind: "operations"})
}

// InstanceMonitoring returns a logger writing to an instance's monitoring
// stream.
func (s *Service) InstanceMonitoring(instanceID string) *slog.Logger {
	return slog.New(&handler{svc: s, instance: instanceID, kind: "monitoring"})
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	cat := h.stream
	if h.instance != "" {
		cat = h.kind
	}
	return level >= h.svc.levelFor(cat)
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[h.key(a.Key)] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.key(a.Key)] = a.Value.Resolve().Any()
		return true
	})

	e := Entry{
		Time:    r.Time.UTC(),
		Level:   r.Level.String(),
		Message: r.Message,
	}
	if len(attrs) > 0 {
		e.Attrs = attrs
	}

	if h.instance != "" {
		h.svc.WriteInstance(h.instance, h.kind, e)
	} else {
		h.svc.Write(h.stream, e)
	}
	return nil
}

func (h *handler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *handler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group == "" {
		next.group = name
	} else {
		next.group = next.group + "." + name
	}
	return &next
}
