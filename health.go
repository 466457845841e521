package mcpclient

import "time"

// ServiceStatus is the two-valued status the external service registry
// understands.
type ServiceStatus string

// Service statuses.
const (
	ServiceActive    ServiceStatus = "active"
	ServiceUnhealthy ServiceStatus = "unhealthy"
)

// ServiceInfo is the external-facing registry entry the health report feeds.
// The orchestration layer consumes these; the client only produces them.
type ServiceInfo struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Endpoint string            `json:"endpoint"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Status   ServiceStatus     `json:"status"`
}

// ServerHealth aggregates everything known about one server: its session
// lifecycle state, its connection record, and how much it contributes to the
// registries.
type ServerHealth struct {
	Server       string             `json:"server"`
	SessionState SessionState       `json:"sessionState"`
	Connection   ConnectionSnapshot `json:"connection"`
	Tools        int                `json:"tools"`
	Resources    int                `json:"resources"`
}

// Healthy reports whether the server is fully usable: session ready,
// connection connected, breaker closed.
func (h ServerHealth) Healthy() bool {
	return h.SessionState == SessionReady &&
		h.Connection.State == ConnStateConnected &&
		h.Connection.BreakerState == BreakerClosed
}

// HealthReport is the client's aggregate status for external consumption.
type HealthReport struct {
	GeneratedAt    time.Time      `json:"generatedAt"`
	Servers        []ServerHealth `json:"servers"`
	TotalTools     int            `json:"totalTools"`
	TotalResources int            `json:"totalResources"`
	CachedEntries  int            `json:"cachedEntries"`
	Queue          QueueStats     `json:"queue"`
	Services       []ServiceInfo  `json:"services"`
}

// HealthReport aggregates session states, connection health, registry counts,
// and queue statistics across every server. The Services list mirrors the
// per-server health in the external registry's terms: a server whose breaker
// is open or whose connection is unhealthy reports as unhealthy.
func (c *Client) HealthReport() HealthReport {
	report := HealthReport{
		GeneratedAt:    time.Now(),
		TotalTools:     c.tools.Count(),
		TotalResources: c.resources.Count(),
		CachedEntries:  c.resources.CacheSize(),
		Queue:          c.queue.Stats(),
	}

	for _, snap := range c.connections.Snapshots() {
		health := ServerHealth{
			Server:     snap.ServerName,
			Connection: snap,
			Tools:      len(c.tools.ListByServer(snap.ServerName)),
			Resources:  len(c.resources.ListByServer(snap.ServerName)),
		}
		if sess, err := c.sessions.GetSession(snap.ServerName); err == nil {
			health.SessionState = sess.State()
		}
		report.Servers = append(report.Servers, health)

		status := ServiceActive
		if snap.State != ConnStateConnected || snap.BreakerState != BreakerClosed {
			status = ServiceUnhealthy
		}
		service := ServiceInfo{
			ID:       snap.ServerName,
			Type:     "mcp-server",
			Endpoint: snap.Endpoint,
			Status:   status,
		}
		if sess, err := c.sessions.GetSession(snap.ServerName); err == nil {
			info := sess.ServerInfo()
			if info.Name != "" {
				service.Metadata = map[string]string{
					"serverName":    info.Name,
					"serverVersion": info.Version,
				}
			}
		}
		report.Services = append(report.Services, service)
	}

	return report
}
